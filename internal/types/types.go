// Package types defines identifiers shared across the q3vm packages.
//
// A module is identified by the BLAKE3 digest of its uncompressed
// container bytes, rendered in base58 for display and storage keys.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// ModuleIDSize is the size of a module identifier in bytes.
const ModuleIDSize = 32

var (
	// ErrInvalidModuleID is returned when a module ID has invalid length.
	ErrInvalidModuleID = errors.New("invalid module id: must be 32 bytes")
)

// ModuleID is the content address of a QVM module.
type ModuleID [ModuleIDSize]byte

// ComputeModuleID returns the BLAKE3 digest of a module's container bytes.
func ComputeModuleID(data []byte) ModuleID {
	return blake3.Sum256(data)
}

// ModuleIDFromBase58 parses a base58-encoded module ID.
func ModuleIDFromBase58(s string) (ModuleID, error) {
	var id ModuleID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	return ModuleIDFromBytes(data)
}

// ModuleIDFromBytes creates a ModuleID from a byte slice.
func ModuleIDFromBytes(b []byte) (ModuleID, error) {
	var id ModuleID
	if len(b) != ModuleIDSize {
		return id, ErrInvalidModuleID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ModuleID) String() string {
	return base58.Encode(id[:])
}

// Short returns the first 8 hex digits, for log lines.
func (id ModuleID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero returns true if the ID is all zeros.
func (id ModuleID) IsZero() bool {
	return id == ModuleID{}
}

// Bytes returns the ID as a byte slice.
func (id ModuleID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ModuleID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ModuleID) UnmarshalText(text []byte) error {
	parsed, err := ModuleIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
