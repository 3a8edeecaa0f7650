package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buckleypaul/molt/internal/ui"
)

var listOpts struct {
	serial []string
	ignore []string
	json   bool
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected MicroPython boards",
	RunE:  runList,
}

func init() {
	f := listCmd.Flags()
	f.StringArrayVar(&listOpts.serial, "serial", nil, "serial port globs to include")
	f.StringArrayVar(&listOpts.ignore, "ignore", nil, "serial port globs to exclude")
	f.BoolVar(&listOpts.json, "json", false, "emit the board list as JSON")
	rootCmd.AddCommand(listCmd)
}

type boardRow struct {
	Address      string `json:"address"`
	Family       string `json:"family"`
	Port         string `json:"port"`
	Board        string `json:"board"`
	Variant      string `json:"variant,omitempty"`
	Version      string `json:"version"`
	Build        int    `json:"build,omitempty"`
	CPU          string `json:"cpu,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	boards, err := identifyBoards(ctx, idx, listOpts.serial, listOpts.ignore, nil)
	if err != nil {
		return err
	}

	rows := make([]boardRow, 0, len(boards))
	for _, b := range boards {
		rows = append(rows, boardRow{
			Address:      b.Address,
			Family:       b.Family,
			Port:         b.PortFamily,
			Board:        b.BoardID,
			Variant:      b.Variant,
			Version:      b.Version.String(),
			Build:        b.Build,
			CPU:          b.CPU,
			SerialNumber: b.SerialNumber,
		})
	}

	if listOpts.json {
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(rows) == 0 {
		fmt.Println("no MicroPython boards found")
		return nil
	}
	cells := make([][]string, 0, len(rows))
	for _, r := range rows {
		version := r.Version
		if r.Build > 0 {
			version = fmt.Sprintf("%s.%d", version, r.Build)
		}
		cells = append(cells, []string{r.Address, r.Port, r.Board, r.Variant, version, r.CPU})
	}
	fmt.Print(ui.Table([]string{"ADDRESS", "PORT", "BOARD", "VARIANT", "VERSION", "CPU"}, cells))
	return nil
}
