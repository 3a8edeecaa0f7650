// Package device discovers boards on serial ports and obtains their
// self-reported identity over the MicroPython raw REPL.
package device

import (
	"github.com/buckleypaul/molt/internal/mpversion"
)

// Port family names as reported by the firmware.
const (
	PortESP32     = "esp32"
	PortESP8266   = "esp8266"
	PortRP2       = "rp2"
	PortSTM32     = "stm32"
	PortSAMD      = "samd"
	PortNRF       = "nrf"
	PortMIMXRT    = "mimxrt"
	PortRenesasRA = "renesas-ra"
)

// FirmwareExtensions maps each port family to the firmware file types it
// flashes.
var FirmwareExtensions = map[string][]string{
	PortSTM32:     {".dfu"},
	PortESP32:     {".bin"},
	PortESP8266:   {".bin"},
	PortRP2:       {".uf2"},
	PortSAMD:      {".uf2"},
	PortNRF:       {".uf2"},
	PortMIMXRT:    {".hex"},
	PortRenesasRA: {".hex"},
}

// ConnectedBoard is a device discovered on a serial port together with
// the identity its firmware reported. It is derived live on enumeration
// or re-query and never persisted.
type ConnectedBoard struct {
	Address      string
	Family       string
	PortFamily   string
	BoardID      string
	Variant      string
	Version      mpversion.Version
	Build        int
	CPU          string
	Description  string
	VID          string
	PID          string
	SerialNumber string
}

// String renders the board for logs and summaries.
func (b ConnectedBoard) String() string {
	id := b.BoardID
	if b.Variant != "" {
		id += "-" + b.Variant
	}
	return b.Address + " " + id + " " + b.Version.String()
}
