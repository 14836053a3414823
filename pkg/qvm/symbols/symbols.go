// Package symbols maps raw QVM addresses back to named symbols.
//
// A Map is built once from a set of symbols (usually parsed from the q3asm
// .map file that accompanies a module) and then queried by address. Queries
// return the nearest symbol at or below the address, formatted as "name" for
// an exact hit or "name+offset" otherwise.
//
// A Map is immutable after construction unless the host calls Insert, and is
// safe for concurrent readers.
package symbols

import (
	"strconv"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// Address is an offset in a module's flat address space.
type Address = uint32

// Symbol binds a name to an address.
type Symbol struct {
	value Address
	name  string
}

// NewSymbol creates a symbol.
func NewSymbol(value Address, name string) Symbol {
	return Symbol{value: value, name: name}
}

// Value returns the symbol address.
func (s Symbol) Value() Address {
	return s.value
}

// Name returns the symbol name.
func (s Symbol) Name() string {
	return s.name
}

// Map is an ordered address -> symbol table.
type Map struct {
	tree *redblacktree.Tree
}

// New creates an empty symbol map.
func New() *Map {
	return &Map{tree: redblacktree.NewWith(utils.UInt32Comparator)}
}

// WithSymbols creates a map holding the given symbols. When two symbols
// share an address the later one wins.
func WithSymbols(syms []Symbol) *Map {
	m := New()
	for _, s := range syms {
		m.Insert(s)
	}
	return m
}

// Insert adds a symbol, replacing any symbol already at its address.
func (m *Map) Insert(s Symbol) {
	m.tree.Put(s.value, s)
}

// Len returns the number of symbols.
func (m *Map) Len() int {
	return m.tree.Size()
}

// Symbols returns all symbols in ascending address order.
func (m *Map) Symbols() []Symbol {
	values := m.tree.Values()
	out := make([]Symbol, 0, len(values))
	for _, v := range values {
		out = append(out, v.(Symbol))
	}
	return out
}

// Lookup returns the symbol with the greatest address <= addr.
func (m *Map) Lookup(addr Address) (Symbol, bool) {
	if m == nil || m.tree.Empty() {
		return Symbol{}, false
	}
	node, found := m.tree.Floor(addr)
	if !found {
		return Symbol{}, false
	}
	return node.Value.(Symbol), true
}

// Resolve formats addr relative to the nearest symbol at or below it.
// It reports false when the map is empty or addr precedes every symbol.
func (m *Map) Resolve(addr Address) (string, bool) {
	sym, ok := m.Lookup(addr)
	if !ok {
		return "", false
	}
	if sym.value == addr {
		return sym.name, true
	}
	return sym.name + "+" + strconv.FormatUint(uint64(addr-sym.value), 10), true
}
