package journal

import (
	"errors"
	"testing"

	"github.com/fortiblox/q3vm/internal/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	j, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendRecent(t *testing.T) {
	j := openTestJournal(t)
	a := types.ComputeModuleID([]byte("a"))
	b := types.ComputeModuleID([]byte("b"))

	for i := int32(0); i < 5; i++ {
		if _, err := j.Append(&Entry{ModuleID: a, Success: true, Status: i}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	if _, err := j.Append(&Entry{ModuleID: b, FaultKind: "DivideByZero", FaultPC: 9, Location: "main+2"}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	recent, err := j.Recent(a, 3)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(Recent()) = %d, want 3", len(recent))
	}
	for i, want := range []int32{4, 3, 2} {
		if recent[i].Status != want {
			t.Errorf("recent[%d].Status = %d, want %d", i, recent[i].Status, want)
		}
	}

	recent, err = j.Recent(b, 10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(recent) != 1 || recent[0].FaultKind != "DivideByZero" || recent[0].Location != "main+2" {
		t.Errorf("Recent(b) = %+v", recent)
	}
	if recent[0].Time.IsZero() {
		t.Error("Time not set on append")
	}
}

func TestIterateInOrder(t *testing.T) {
	j := openTestJournal(t)
	id := types.ComputeModuleID([]byte("m"))

	var seqs []uint64
	for i := 0; i < 4; i++ {
		seq, err := j.Append(&Entry{ModuleID: id, Steps: uint64(i)})
		if err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
		seqs = append(seqs, seq)
	}

	var got []uint64
	err := j.Iterate(func(e Entry) error {
		got = append(got, e.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate() failed: %v", err)
	}
	if len(got) != len(seqs) {
		t.Fatalf("Iterate() visited %d entries, want %d", len(got), len(seqs))
	}
	for i := range seqs {
		if got[i] != seqs[i] {
			t.Errorf("entry %d seq = %d, want %d", i, got[i], seqs[i])
		}
		if i > 0 && seqs[i] <= seqs[i-1] {
			t.Errorf("seq %d not increasing", seqs[i])
		}
	}
}

func TestIterateStops(t *testing.T) {
	j := openTestJournal(t)
	id := types.ComputeModuleID([]byte("m"))
	for i := 0; i < 3; i++ {
		if _, err := j.Append(&Entry{ModuleID: id}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	stop := errors.New("stop")
	n := 0
	err := j.Iterate(func(e Entry) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("Iterate() = %v after %d entries, want stop after 1", err, n)
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	id := types.ComputeModuleID([]byte("m"))

	j, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	first, err := j.Append(&Entry{ModuleID: id, Status: 1})
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	j, err = Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j.Close()

	second, err := j.Append(&Entry{ModuleID: id, Status: 2})
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if second <= first {
		t.Errorf("seq after reopen = %d, want > %d", second, first)
	}
	recent, err := j.Recent(id, 10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Status != 2 || recent[1].Status != 1 {
		t.Errorf("Recent() = %+v", recent)
	}
}

func TestClosed(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if _, err := j.Append(&Entry{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close = %v, want ErrClosed", err)
	}
	if _, err := j.Recent(types.ModuleID{}, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Recent() after Close = %v, want ErrClosed", err)
	}
}
