package loader

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fortiblox/q3vm/pkg/qvm/symbols"
	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

// Encode serializes prog as a QVM container. A v2 container is produced
// when jumpTargets is non-empty.
func Encode(prog *vm.Program, jumpTargets []uint32) []byte {
	h := Header{Magic: MagicV1}
	if len(jumpTargets) > 0 {
		h.Magic = MagicV2
	}

	var code []byte
	for _, ins := range prog.Instructions {
		code = append(code, byte(ins.Op))
		switch ins.Op.OperandSize() {
		case 4:
			code = binary.LittleEndian.AppendUint32(code, uint32(ins.Arg))
		case 1:
			code = append(code, byte(ins.Arg))
		}
	}

	h.InstructionCount = uint32(len(prog.Instructions))
	h.CodeOffset = uint32(h.Size())
	h.CodeLength = uint32(len(code))
	h.DataOffset = h.CodeOffset + h.CodeLength
	h.DataLength = uint32(len(prog.Data)) * 4
	h.LitLength = uint32(len(prog.Lit))
	h.BSSLength = prog.BSSWords * 4
	h.JtrgLength = uint32(len(jumpTargets)) * 4

	out := make([]byte, 0, int(h.DataOffset)+int(h.DataLength+h.LitLength+h.JtrgLength))
	fields := []uint32{
		h.Magic, h.InstructionCount, h.CodeOffset, h.CodeLength,
		h.DataOffset, h.DataLength, h.LitLength, h.BSSLength,
	}
	if h.Magic == MagicV2 {
		fields = append(fields, h.JtrgLength)
	}
	for _, f := range fields {
		out = binary.LittleEndian.AppendUint32(out, f)
	}
	out = append(out, code...)
	for _, w := range prog.Data {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	out = append(out, prog.Lit...)
	for _, t := range jumpTargets {
		out = binary.LittleEndian.AppendUint32(out, t)
	}
	return out
}

// symbolLookup is implemented by resolvers that can report the symbol
// covering an address, such as *symbols.Map.
type symbolLookup interface {
	Lookup(addr vm.Address) (symbols.Symbol, bool)
}

// Disassemble writes one line per instruction. When r can look up symbols,
// a label line precedes each instruction a symbol starts at.
func Disassemble(w io.Writer, prog *vm.Program, r vm.Resolver) error {
	syms, _ := r.(symbolLookup)
	for pc, ins := range prog.Instructions {
		if syms != nil {
			if sym, ok := syms.Lookup(vm.Address(pc)); ok && sym.Value() == vm.Address(pc) {
				if _, err := fmt.Fprintf(w, "%s:\n", sym.Name()); err != nil {
					return err
				}
			}
		}
		if _, err := fmt.Fprintf(w, "  %08x  %s\n", pc, ins); err != nil {
			return err
		}
	}
	return nil
}
