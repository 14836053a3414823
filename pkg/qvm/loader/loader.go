// Package loader implements the QVM module loader.
//
// This package parses .qvm containers produced by q3asm and prepares them
// for execution in the vm package. It handles:
// - Header validation (v1 and v2 magic)
// - Code segment decoding into vm.Instruction values
// - Data, literal and bss segment extraction
// - Jump table targets (v2)
// - Transparent zstd decompression
//
// All multi-byte fields are little-endian.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/q3vm/internal/types"
	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

// Container magic values.
const (
	MagicV1 = 0x12721444 // Original format
	MagicV2 = 0x12721445 // Adds jump table targets
)

// Header sizes.
const (
	headerSizeV1 = 32
	headerSizeV2 = 36
)

// zstd frame magic.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Loader errors.
var (
	ErrInvalidQVM = errors.New("invalid QVM module")
	ErrBadMagic   = errors.New("bad QVM magic")
	ErrTruncated  = errors.New("truncated QVM module")
	ErrTooLarge   = errors.New("QVM module too large")
)

// Maximum sizes.
const (
	MaxModuleSize   = 16 * 1024 * 1024 // 16 MB max container size
	MaxInstructions = 4 * 1024 * 1024  // Max number of instructions
	MaxImageSize    = 64 * 1024 * 1024 // Max data + lit + bss
)

// Header is the fixed-size container header.
type Header struct {
	Magic            uint32
	InstructionCount uint32
	CodeOffset       uint32
	CodeLength       uint32
	DataOffset       uint32
	DataLength       uint32
	LitLength        uint32
	BSSLength        uint32
	JtrgLength       uint32 // v2 only
}

// Version returns 1 or 2 depending on the magic.
func (h *Header) Version() int {
	if h.Magic == MagicV2 {
		return 2
	}
	return 1
}

// Size returns the encoded header size.
func (h *Header) Size() int {
	if h.Magic == MagicV2 {
		return headerSizeV2
	}
	return headerSizeV1
}

// Executable represents a loaded QVM module ready for execution.
type Executable struct {
	// Header is the parsed container header.
	Header Header

	// Program contains the decoded code and memory segments.
	Program *vm.Program

	// JumpTargets lists the instruction indices named by the v2 jump
	// table. Empty for v1 modules.
	JumpTargets []uint32

	// ID is the BLAKE3 digest of the uncompressed container.
	ID types.ModuleID
}

// Version returns the container version.
func (e *Executable) Version() int {
	return e.Header.Version()
}

// Load parses a QVM container, decompressing it first if it is a zstd
// frame.
func Load(data []byte) (*Executable, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxModuleSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}

	header, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(header, len(raw)); err != nil {
		return nil, err
	}

	code, err := decodeCode(raw[header.CodeOffset:header.CodeOffset+header.CodeLength], header.InstructionCount)
	if err != nil {
		return nil, err
	}

	dataEnd := header.DataOffset + header.DataLength
	words := make([]uint32, header.DataLength/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[header.DataOffset+uint32(i)*4:])
	}

	litEnd := dataEnd + header.LitLength
	lit := append([]byte(nil), raw[dataEnd:litEnd]...)

	var targets []uint32
	if header.Version() == 2 && header.JtrgLength > 0 {
		jt := raw[litEnd : litEnd+header.JtrgLength]
		targets = make([]uint32, len(jt)/4)
		for i := range targets {
			targets[i] = binary.LittleEndian.Uint32(jt[i*4:])
		}
	}

	return &Executable{
		Header: *header,
		Program: &vm.Program{
			Instructions: code,
			Data:         words,
			Lit:          lit,
			BSSWords:     (header.BSSLength + 3) / 4,
		},
		JumpTargets: targets,
		ID:          types.ComputeModuleID(raw),
	}, nil
}

// Decompress returns data unchanged unless it starts with a zstd frame,
// in which case the decompressed container is returned.
func Decompress(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxModuleSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidQVM, err)
	}
	return raw, nil
}

// Compress wraps a container in a zstd frame.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// parseHeader parses the container header.
func parseHeader(data []byte) (*Header, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}

	h := &Header{Magic: binary.LittleEndian.Uint32(data)}
	if h.Magic != MagicV1 && h.Magic != MagicV2 {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, h.Magic)
	}
	if len(data) < h.Size() {
		return nil, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, h.Size(), len(data))
	}

	fields := []*uint32{
		&h.InstructionCount, &h.CodeOffset, &h.CodeLength,
		&h.DataOffset, &h.DataLength, &h.LitLength, &h.BSSLength,
	}
	if h.Magic == MagicV2 {
		fields = append(fields, &h.JtrgLength)
	}
	for i, f := range fields {
		*f = binary.LittleEndian.Uint32(data[4+i*4:])
	}
	return h, nil
}

// validateHeader checks the header's segments against the file.
func validateHeader(h *Header, size int) error {
	if h.InstructionCount > MaxInstructions {
		return fmt.Errorf("%w: %d instructions", ErrTooLarge, h.InstructionCount)
	}
	// Every instruction takes at least its opcode byte.
	if h.InstructionCount > h.CodeLength {
		return fmt.Errorf("%w: %d instructions in %d code bytes", ErrInvalidQVM, h.InstructionCount, h.CodeLength)
	}
	if h.DataLength%4 != 0 {
		return fmt.Errorf("%w: data length %d not a multiple of 4", ErrInvalidQVM, h.DataLength)
	}

	image := uint64(h.DataLength) + uint64(h.LitLength) + uint64(h.BSSLength)
	if image > MaxImageSize {
		return fmt.Errorf("%w: image %d bytes", ErrTooLarge, image)
	}

	if uint64(h.CodeOffset)+uint64(h.CodeLength) > uint64(size) {
		return fmt.Errorf("%w: code segment [%d, +%d) past end %d", ErrTruncated, h.CodeOffset, h.CodeLength, size)
	}

	tail := uint64(h.DataLength) + uint64(h.LitLength)
	if h.Magic == MagicV2 {
		if h.JtrgLength%4 != 0 {
			return fmt.Errorf("%w: jump table length %d not a multiple of 4", ErrInvalidQVM, h.JtrgLength)
		}
		tail += uint64(h.JtrgLength)
	}
	if uint64(h.DataOffset)+tail > uint64(size) {
		return fmt.Errorf("%w: data segment [%d, +%d) past end %d", ErrTruncated, h.DataOffset, tail, size)
	}
	return nil
}

// decodeCode decodes count instructions from the code segment.
func decodeCode(code []byte, count uint32) ([]vm.Instruction, error) {
	insts := make([]vm.Instruction, 0, count)
	off := 0
	for i := uint32(0); i < count; i++ {
		if off >= len(code) {
			return nil, fmt.Errorf("%w: code ends at instruction %d of %d", ErrTruncated, i, count)
		}
		// Unknown opcodes carry no operand; the interpreter faults on them.
		op := vm.Opcode(code[off])
		off++

		var arg int32
		switch op.OperandSize() {
		case 4:
			if off+4 > len(code) {
				return nil, fmt.Errorf("%w: operand of instruction %d", ErrTruncated, i)
			}
			arg = int32(binary.LittleEndian.Uint32(code[off:]))
			off += 4
		case 1:
			if off+1 > len(code) {
				return nil, fmt.Errorf("%w: operand of instruction %d", ErrTruncated, i)
			}
			arg = int32(code[off])
			off++
		}
		insts = append(insts, vm.Instruction{Op: op, Arg: arg})
	}
	// q3asm pads the code segment to a word boundary.
	if len(code)-off > 3 {
		return nil, fmt.Errorf("%w: %d trailing code bytes after %d instructions", ErrInvalidQVM, len(code)-off, count)
	}
	return insts, nil
}
