package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/leb128"
)

const (
	nameSubsectionModule   = 0
	nameSubsectionFunction = 1
)

// decodeCustomSection parses the "name" custom section into disassembly
// names and ignores every other custom section. A malformed name section is
// dropped rather than failing the module: names are advisory.
func (d *decoder) decodeCustomSection(m *ir.Module, r *bytes.Reader) error {
	name, err := decodeName(r)
	if err != nil {
		return fmt.Errorf("read custom section name: %w", err)
	}
	if name != "name" {
		return nil
	}
	names, err := decodeNameSection(r)
	if err != nil {
		return nil
	}
	m.Names = names
	return nil
}

func decodeNameSection(r *bytes.Reader) (ir.DisassemblyNames, error) {
	names := ir.DisassemblyNames{Functions: map[uint32]string{}}
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return names, err
		}
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return names, fmt.Errorf("read subsection size: %w", err)
		}
		if int64(size) > int64(r.Len()) {
			return names, fmt.Errorf("subsection size %d exceeds section size", size)
		}
		content := make([]byte, size)
		if _, err := io.ReadFull(r, content); err != nil {
			return names, err
		}
		sr := bytes.NewReader(content)

		switch id {
		case nameSubsectionModule:
			if names.ModuleName, err = decodeName(sr); err != nil {
				return names, err
			}
		case nameSubsectionFunction:
			err := decodeVec(sr, func() error {
				index, _, err := leb128.DecodeUint32(sr)
				if err != nil {
					return err
				}
				name, err := decodeName(sr)
				if err != nil {
					return err
				}
				names.Functions[index] = name
				return nil
			})
			if err != nil {
				return names, err
			}
		}
	}
	return names, nil
}
