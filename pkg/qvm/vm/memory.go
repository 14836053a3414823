package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Memory is bounds-checked access to a module's memory image. Native
// handlers receive it to read arguments passed by pointer.
type Memory interface {
	Len() uint32

	Read(addr Address, p []byte) error
	Read8(addr Address) (uint8, error)
	Read16(addr Address) (uint16, error)
	Read32(addr Address) (uint32, error)

	Write(addr Address, p []byte) error
	Write8(addr Address, x uint8) error
	Write16(addr Address, x uint16) error
	Write32(addr Address, x uint32) error

	// CString reads a NUL-terminated string of at most max bytes.
	CString(addr Address, max int) (string, error)
}

// Translate returns the slice of memory backing [addr, addr+size).
func (ip *Interpreter) Translate(addr Address, size uint32) ([]byte, error) {
	memLen := uint64(len(ip.mem))
	end := uint64(addr) + uint64(size)
	if end > memLen {
		return nil, fmt.Errorf("%w: address 0x%08x (size %d, memory 0x%x)", ErrOutOfBoundsAccess, addr, size, memLen)
	}
	return ip.mem[addr:end], nil
}

// Len returns the size of the memory image including the stack.
func (ip *Interpreter) Len() uint32 {
	return uint32(len(ip.mem))
}

// Read reads bytes from module memory.
func (ip *Interpreter) Read(addr Address, p []byte) error {
	mem, err := ip.Translate(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from module memory.
func (ip *Interpreter) Read8(addr Address) (uint8, error) {
	mem, err := ip.Translate(addr, 1)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a 16-bit value from module memory (little-endian).
func (ip *Interpreter) Read16(addr Address) (uint16, error) {
	mem, err := ip.Translate(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a 32-bit value from module memory (little-endian).
func (ip *Interpreter) Read32(addr Address) (uint32, error) {
	mem, err := ip.Translate(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Write writes bytes to module memory.
func (ip *Interpreter) Write(addr Address, p []byte) error {
	mem, err := ip.Translate(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to module memory.
func (ip *Interpreter) Write8(addr Address, x uint8) error {
	mem, err := ip.Translate(addr, 1)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a 16-bit value to module memory (little-endian).
func (ip *Interpreter) Write16(addr Address, x uint16) error {
	mem, err := ip.Translate(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a 32-bit value to module memory (little-endian).
func (ip *Interpreter) Write32(addr Address, x uint32) error {
	mem, err := ip.Translate(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// CString reads a NUL-terminated string starting at addr. The string ends
// at the first NUL, at max bytes, or at the end of memory, whichever comes
// first. addr itself must be in bounds.
func (ip *Interpreter) CString(addr Address, max int) (string, error) {
	if uint64(addr) >= uint64(len(ip.mem)) {
		return "", fmt.Errorf("%w: string at 0x%08x", ErrOutOfBoundsAccess, addr)
	}
	tail := ip.mem[addr:]
	if max >= 0 && len(tail) > max {
		tail = tail[:max]
	}
	if n := bytes.IndexByte(tail, 0); n >= 0 {
		tail = tail[:n]
	}
	return string(tail), nil
}

// Verify that Interpreter implements Memory.
var _ Memory = (*Interpreter)(nil)
