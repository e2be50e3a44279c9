// Package binary decodes the WebAssembly binary format into ir.Module.
package binary

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ternlabs/tern/ir"
	"github.com/ternlabs/tern/leb128"
)

var (
	ErrInvalidMagicNumber = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("invalid version header")
	ErrInvalidByte        = errors.New("invalid byte")
	ErrInvalidSectionID   = errors.New("invalid section id")
)

// DecodeError wraps any failure to turn raw bytes into a module. It is
// recoverable: the caller's module value is left untouched.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at byte %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	magic   = []byte{0x00, 0x61, 0x73, 0x6d}
	version = []byte{0x01, 0x00, 0x00, 0x00}
)

type sectionID = byte

const (
	sectionIDCustom sectionID = iota
	sectionIDType
	sectionIDImport
	sectionIDFunction
	sectionIDTable
	sectionIDMemory
	sectionIDGlobal
	sectionIDExport
	sectionIDStart
	sectionIDElement
	sectionIDCode
	sectionIDData
)

type decoder struct {
	r        *bytes.Reader
	size     int64
	features ir.FeatureSpec

	// the function section indices, joined with the code section at the end
	funcTypeIndices []uint32
}

// LoadBinaryModule decodes raw into a validated-shape ir.Module. On failure
// it returns a *DecodeError and no module. Decode failures are logged at
// debug level; fuzzed garbage is expected input, not an event.
func LoadBinaryModule(raw []byte, features ir.FeatureSpec, log *zap.Logger) (*ir.Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m, err := DecodeModule(raw, features)
	if err != nil {
		log.Debug("module decode failed", zap.Error(err))
		return nil, err
	}
	return m, nil
}

// DecodeModule decodes raw bytes into an ir.Module without validating
// function bodies; see ir.Validate for that.
func DecodeModule(raw []byte, features ir.FeatureSpec) (*ir.Module, error) {
	d := &decoder{r: bytes.NewReader(raw), size: int64(len(raw)), features: features}
	m := &ir.Module{FeatureSpec: features}
	if err := d.decode(m); err != nil {
		return nil, &DecodeError{Offset: d.offset(), Err: err}
	}
	return m, nil
}

func (d *decoder) offset() int64 { return d.size - int64(d.r.Len()) }

func (d *decoder) decode(m *ir.Module) error {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil || !bytes.Equal(buf[:], magic) {
		return ErrInvalidMagicNumber
	}
	if _, err := io.ReadFull(d.r, buf[:]); err != nil || !bytes.Equal(buf[:], version) {
		return ErrInvalidVersion
	}

	prevID := sectionID(0)
	for {
		id, err := d.r.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		size, _, err := leb128.DecodeUint32(d.r)
		if err != nil {
			return fmt.Errorf("read section size: %w", err)
		}
		if int64(size) > int64(d.r.Len()) {
			return fmt.Errorf("section %d size %d exceeds remaining input", id, size)
		}
		if id != sectionIDCustom {
			// Non-custom sections must appear at most once, in order.
			if id > sectionIDData {
				return fmt.Errorf("%w: %d", ErrInvalidSectionID, id)
			}
			if prevID >= id {
				return fmt.Errorf("section %d out of order", id)
			}
			prevID = id
		}

		content := make([]byte, size)
		if _, err := io.ReadFull(d.r, content); err != nil {
			return fmt.Errorf("read section %d content: %w", id, err)
		}
		if err := d.decodeSection(m, id, bytes.NewReader(content)); err != nil {
			return fmt.Errorf("section %d: %w", id, err)
		}
	}

	if len(d.funcTypeIndices) != len(m.Functions) {
		return fmt.Errorf("function and code sections have inconsistent lengths")
	}
	for i := range m.Functions {
		m.Functions[i].TypeIndex = d.funcTypeIndices[i]
	}
	return nil
}

func (d *decoder) decodeSection(m *ir.Module, id sectionID, r *bytes.Reader) error {
	switch id {
	case sectionIDCustom:
		return d.decodeCustomSection(m, r)
	case sectionIDType:
		return decodeVec(r, func() error {
			ft, err := decodeFunctionType(r)
			if err != nil {
				return err
			}
			m.Types = append(m.Types, ft)
			return nil
		})
	case sectionIDImport:
		return decodeVec(r, func() error {
			imp, err := decodeImport(r)
			if err != nil {
				return err
			}
			m.Imports = append(m.Imports, imp)
			return nil
		})
	case sectionIDFunction:
		return decodeVec(r, func() error {
			index, _, err := leb128.DecodeUint32(r)
			if err != nil {
				return err
			}
			d.funcTypeIndices = append(d.funcTypeIndices, index)
			return nil
		})
	case sectionIDTable:
		return decodeVec(r, func() error {
			tt, err := decodeTableType(r)
			if err != nil {
				return err
			}
			m.Tables = append(m.Tables, tt)
			return nil
		})
	case sectionIDMemory:
		return decodeVec(r, func() error {
			mt, err := decodeMemoryType(r)
			if err != nil {
				return err
			}
			m.Memories = append(m.Memories, mt)
			return nil
		})
	case sectionIDGlobal:
		return decodeVec(r, func() error {
			gt, err := decodeGlobalType(r)
			if err != nil {
				return err
			}
			init, err := decodeConstantExpression(r)
			if err != nil {
				return err
			}
			m.Globals = append(m.Globals, ir.GlobalDef{Type: gt, Init: init})
			return nil
		})
	case sectionIDExport:
		return decodeVec(r, func() error {
			exp, err := decodeExport(r)
			if err != nil {
				return err
			}
			m.Exports = append(m.Exports, exp)
			return nil
		})
	case sectionIDStart:
		index, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		m.Start = &index
		return nil
	case sectionIDElement:
		return decodeVec(r, func() error {
			seg, err := decodeElementSegment(r)
			if err != nil {
				return err
			}
			m.Elements = append(m.Elements, seg)
			return nil
		})
	case sectionIDCode:
		return decodeVec(r, func() error {
			def, err := d.decodeCode(r)
			if err != nil {
				return err
			}
			m.Functions = append(m.Functions, def)
			return nil
		})
	case sectionIDData:
		return decodeVec(r, func() error {
			seg, err := decodeDataSegment(r)
			if err != nil {
				return err
			}
			m.Data = append(m.Data, seg)
			return nil
		})
	}
	return fmt.Errorf("%w: %d", ErrInvalidSectionID, id)
}

// decodeVec reads a vector count and invokes each for every entry.
func decodeVec(r *bytes.Reader, each func() error) error {
	count, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return fmt.Errorf("read vector size: %w", err)
	}
	// Each entry consumes at least a byte, so a count beyond the remaining
	// bytes is malformed regardless of content.
	if int64(count) > int64(r.Len()) {
		return fmt.Errorf("vector size %d exceeds section size", count)
	}
	for i := uint32(0); i < count; i++ {
		if err := each(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

func (d *decoder) decodeCode(r *bytes.Reader) (ir.FunctionDef, error) {
	size, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return ir.FunctionDef{}, fmt.Errorf("read code size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return ir.FunctionDef{}, fmt.Errorf("code size %d exceeds section size", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return ir.FunctionDef{}, err
	}
	br := bytes.NewReader(body)

	var localTypes []ir.ValueType
	err = decodeVec(br, func() error {
		count, _, err := leb128.DecodeUint32(br)
		if err != nil {
			return err
		}
		t, err := decodeValueType(br)
		if err != nil {
			return err
		}
		if uint64(len(localTypes))+uint64(count) > uint64(d.features.MaxLocals) {
			return fmt.Errorf("too many locals: limit is %d", d.features.MaxLocals)
		}
		for i := uint32(0); i < count; i++ {
			localTypes = append(localTypes, t)
		}
		return nil
	})
	if err != nil {
		return ir.FunctionDef{}, fmt.Errorf("read locals: %w", err)
	}

	expr := make([]byte, br.Len())
	if _, err := io.ReadFull(br, expr); err != nil {
		return ir.FunctionDef{}, err
	}
	if len(expr) == 0 || ir.Opcode(expr[len(expr)-1]) != ir.OpcodeEnd {
		return ir.FunctionDef{}, fmt.Errorf("function body is not terminated by end")
	}
	return ir.FunctionDef{LocalTypes: localTypes, Body: expr}, nil
}
