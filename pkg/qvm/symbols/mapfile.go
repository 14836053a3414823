package symbols

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Segment identifies the module segment a map entry belongs to.
type Segment int

// Segments as numbered by q3asm.
const (
	SegmentCode Segment = 0
	SegmentData Segment = 1
	SegmentLit  Segment = 2
	SegmentBSS  Segment = 3
	SegmentJtrg Segment = 4
)

// String returns the segment name.
func (s Segment) String() string {
	switch s {
	case SegmentCode:
		return "code"
	case SegmentData:
		return "data"
	case SegmentLit:
		return "lit"
	case SegmentBSS:
		return "bss"
	case SegmentJtrg:
		return "jtrg"
	default:
		return "segment(" + strconv.Itoa(int(s)) + ")"
	}
}

// ErrMalformedMap is returned for map lines that cannot be parsed.
var ErrMalformedMap = errors.New("malformed symbol map")

// MapEntry is a single line of a q3asm map file.
type MapEntry struct {
	Segment Segment
	Value   Address
	Name    string
}

// ParseMap reads a q3asm map file. Each non-blank line has the form
//
//	<segment> <hex value> <name>
//
// Code segment values are instruction indexes; the others are byte offsets.
func ParseMap(r io.Reader) ([]MapEntry, error) {
	var entries []MapEntry
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: line %d: want 3 fields, got %d", ErrMalformedMap, line, len(fields))
		}
		seg, err := strconv.Atoi(fields[0])
		if err != nil || seg < 0 {
			return nil, fmt.Errorf("%w: line %d: bad segment %q", ErrMalformedMap, line, fields[0])
		}
		value, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad value %q", ErrMalformedMap, line, fields[1])
		}
		entries = append(entries, MapEntry{
			Segment: Segment(seg),
			Value:   Address(value),
			Name:    fields[2],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read symbol map: %w", err)
	}
	return entries, nil
}

// SegmentSymbols returns the symbols of one segment, in file order.
func SegmentSymbols(entries []MapEntry, seg Segment) []Symbol {
	var out []Symbol
	for _, e := range entries {
		if e.Segment == seg {
			out = append(out, NewSymbol(e.Value, e.Name))
		}
	}
	return out
}

// CodeSymbols builds a map of the code segment symbols, the ones faults
// are reported against.
func CodeSymbols(entries []MapEntry) *Map {
	return WithSymbols(SegmentSymbols(entries, SegmentCode))
}

// WriteMap writes entries in the q3asm map format.
func WriteMap(w io.Writer, entries []MapEntry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%d %8x %s\n", int(e.Segment), e.Value, e.Name); err != nil {
			return err
		}
	}
	return bw.Flush()
}
