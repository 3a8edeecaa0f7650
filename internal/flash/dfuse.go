package flash

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// dfuElement is one contiguous region of a DfuSe image.
type dfuElement struct {
	Address uint32
	Data    []byte
}

const (
	dfusePrefixLen = 11
	dfuseTargetLen = 274
	dfuseSuffixLen = 16
)

// parseDfuSe parses an STM32 DfuSe container (.dfu file) and returns
// its write elements in file order.
func parseDfuSe(data []byte) ([]dfuElement, error) {
	if len(data) < dfusePrefixLen+dfuseSuffixLen {
		return nil, fmt.Errorf("dfu file truncated (%d bytes)", len(data))
	}
	if string(data[:5]) != "DfuSe" {
		return nil, fmt.Errorf("not a DfuSe file")
	}
	if data[5] != 1 {
		return nil, fmt.Errorf("unsupported DfuSe version %d", data[5])
	}

	suffix := data[len(data)-dfuseSuffixLen:]
	if string(suffix[8:11]) != "UFD" || suffix[11] != dfuseSuffixLen {
		return nil, fmt.Errorf("bad DfuSe suffix")
	}
	stored := binary.LittleEndian.Uint32(suffix[12:])
	if crc := ^crc32.ChecksumIEEE(data[:len(data)-4]); crc != stored {
		return nil, fmt.Errorf("dfu file crc mismatch: want %#x, got %#x", stored, crc)
	}

	targets := int(data[10])
	body := data[:len(data)-dfuseSuffixLen]
	off := dfusePrefixLen

	var elements []dfuElement
	for t := 0; t < targets; t++ {
		if off+dfuseTargetLen > len(body) {
			return nil, fmt.Errorf("dfu target %d truncated", t)
		}
		if string(body[off:off+6]) != "Target" {
			return nil, fmt.Errorf("dfu target %d has a bad signature", t)
		}
		count := binary.LittleEndian.Uint32(body[off+270 : off+274])
		off += dfuseTargetLen

		for e := uint32(0); e < count; e++ {
			if off+8 > len(body) {
				return nil, fmt.Errorf("dfu element header truncated")
			}
			addr := binary.LittleEndian.Uint32(body[off:])
			size := int(binary.LittleEndian.Uint32(body[off+4:]))
			off += 8
			if off+size > len(body) {
				return nil, fmt.Errorf("dfu element at %#x truncated", addr)
			}
			elements = append(elements, dfuElement{Address: addr, Data: body[off : off+size]})
			off += size
		}
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("dfu file has no elements")
	}
	return elements, nil
}
