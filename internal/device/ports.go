package device

import (
	"path"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Port is one enumerated serial port.
type Port struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// PortFilter controls which serial ports enumerate as candidates.
// Include and Ignore hold glob patterns matched against the port name;
// a port named literally in Include always passes.
type PortFilter struct {
	Include   []string
	Ignore    []string
	Bluetooth bool // keep ports that look like Bluetooth endpoints
}

// Enumerate lists candidate serial ports, filtered and sorted by name.
func Enumerate(filter PortFilter) ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var out []Port
	for _, p := range details {
		if !filter.match(p.Name, p.Product) {
			continue
		}
		out = append(out, Port{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f PortFilter) match(name, product string) bool {
	for _, g := range f.Include {
		if !strings.ContainsAny(g, "*?[") && g == name {
			return true
		}
	}
	if !f.Bluetooth && looksBluetooth(name, product) {
		return false
	}
	for _, g := range f.Ignore {
		if ok, _ := path.Match(g, name); ok {
			return false
		}
	}
	if len(f.Include) > 0 {
		for _, g := range f.Include {
			if ok, _ := path.Match(g, name); ok {
				return true
			}
		}
		return false
	}
	return true
}

func looksBluetooth(name, product string) bool {
	return strings.Contains(strings.ToLower(name), "bluetooth") ||
		strings.Contains(strings.ToLower(product), "bluetooth")
}
