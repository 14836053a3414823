package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/fortiblox/q3vm/internal/types"
	"github.com/fortiblox/q3vm/pkg/qvm/symbols"
	"github.com/fortiblox/q3vm/pkg/qvm/vm"
)

func testProgram() *vm.Program {
	return &vm.Program{
		Instructions: []vm.Instruction{
			vm.Ins(vm.OpEnter, 256),
			vm.Ins(vm.OpConst, 0),
			vm.Ins(vm.OpLoad4, 0),
			vm.Ins(vm.OpConst, -2),
			vm.Ins(vm.OpArg, 200),
			vm.Ins(vm.OpLocal, 200),
			vm.Ins(vm.OpLoad4, 0),
			vm.Ins(vm.OpAdd, 0),
			vm.Ins(vm.OpLeave, 256),
		},
		Data:     []uint32{40},
		Lit:      []byte("ok\x00"),
		BSSWords: 4,
	}
}

func TestLoadRoundTrip(t *testing.T) {
	prog := testProgram()
	data := Encode(prog, nil)

	exe, err := Load(data)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if exe.Version() != 1 {
		t.Errorf("Version() = %d, want 1", exe.Version())
	}
	if len(exe.Program.Instructions) != len(prog.Instructions) {
		t.Fatalf("instructions = %d, want %d", len(exe.Program.Instructions), len(prog.Instructions))
	}
	for i, ins := range prog.Instructions {
		if got := exe.Program.Instructions[i]; got != ins {
			t.Errorf("instruction %d = %s, want %s", i, got, ins)
		}
	}
	if len(exe.Program.Data) != 1 || exe.Program.Data[0] != 40 {
		t.Errorf("Data = %v, want [40]", exe.Program.Data)
	}
	if !bytes.Equal(exe.Program.Lit, prog.Lit) {
		t.Errorf("Lit = %q, want %q", exe.Program.Lit, prog.Lit)
	}
	if exe.Program.BSSWords != 4 {
		t.Errorf("BSSWords = %d, want 4", exe.Program.BSSWords)
	}
	if exe.ID != types.ComputeModuleID(data) {
		t.Errorf("ID = %s, want digest of container", exe.ID)
	}
}

func TestLoadV2JumpTargets(t *testing.T) {
	data := Encode(testProgram(), []uint32{0, 6})

	exe, err := Load(data)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if exe.Version() != 2 {
		t.Errorf("Version() = %d, want 2", exe.Version())
	}
	if len(exe.JumpTargets) != 2 || exe.JumpTargets[1] != 6 {
		t.Errorf("JumpTargets = %v, want [0 6]", exe.JumpTargets)
	}
}

func TestLoadCompressed(t *testing.T) {
	data := Encode(testProgram(), nil)
	packed, err := Compress(data)
	if err != nil {
		t.Fatalf("Compress() failed: %v", err)
	}

	exe, err := Load(packed)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if exe.ID != types.ComputeModuleID(data) {
		t.Error("compressed module id differs from uncompressed")
	}
}

func TestLoadAndRun(t *testing.T) {
	exe, err := Load(Encode(testProgram(), nil))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	ip, err := vm.New(exe.Program, vm.DefaultOptions())
	if err != nil {
		t.Fatalf("vm.New() failed: %v", err)
	}
	status, err := ip.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if status != 38 {
		t.Errorf("status = %d, want 38", status)
	}
}

func TestLoadErrors(t *testing.T) {
	valid := Encode(testProgram(), nil)

	trailing := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(trailing[4:], 8)

	badData := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(badData[20:], 3)

	tooMany := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(tooMany[4:], MaxInstructions+1)

	// Claims far more instructions than its code bytes can hold.
	overCount := make([]byte, headerSizeV1)
	binary.LittleEndian.PutUint32(overCount[0:], MagicV1)
	binary.LittleEndian.PutUint32(overCount[4:], MaxInstructions)
	binary.LittleEndian.PutUint32(overCount[8:], headerSizeV1)
	binary.LittleEndian.PutUint32(overCount[16:], headerSizeV1)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"bad magic", []byte{1, 2, 3, 4, 5, 6, 7, 8}, ErrBadMagic},
		{"short header", valid[:20], ErrTruncated},
		{"truncated body", valid[:len(valid)-2], ErrTruncated},
		{"trailing code", trailing, ErrInvalidQVM},
		{"unaligned data", badData, ErrInvalidQVM},
		{"too many instructions", tooMany, ErrTooLarge},
		{"count exceeds code length", overCount, ErrInvalidQVM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Load() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadUnknownOpcodeFaults(t *testing.T) {
	prog := &vm.Program{Instructions: []vm.Instruction{
		vm.Ins(vm.OpIgnore, 0),
		vm.Ins(vm.Opcode(0xff), 0),
	}}
	exe, err := Load(Encode(prog, nil))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := exe.Program.Instructions[1].Op; got != vm.Opcode(0xff) {
		t.Fatalf("opcode = %s, want op(0xff)", got)
	}

	ip, err := vm.New(exe.Program, vm.DefaultOptions())
	if err != nil {
		t.Fatalf("vm.New() failed: %v", err)
	}
	_, err = ip.Run(context.Background())
	if !errors.Is(err, vm.ErrInvalidOpcode) {
		t.Fatalf("Run() = %v, want ErrInvalidOpcode", err)
	}
	if f, _ := vm.AsFault(err); f.PC != 1 {
		t.Errorf("fault PC = %d, want 1", f.PC)
	}
}

func TestDisassemble(t *testing.T) {
	syms := symbols.WithSymbols([]symbols.Symbol{
		symbols.NewSymbol(0, "vmMain"),
		symbols.NewSymbol(5, "helper"),
		symbols.NewSymbol(7, "operator+"),
	})

	var buf bytes.Buffer
	if err := Disassemble(&buf, testProgram(), syms); err != nil {
		t.Fatalf("Disassemble() failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"vmMain:\n", "helper:\n", "operator+:\n", "00000001  const 0", "00000004  arg 200"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if n := strings.Count(out, ":\n"); n != 3 {
		t.Errorf("got %d labels, want 3:\n%s", n, out)
	}
}
