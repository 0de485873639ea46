package model

import (
	"fmt"
	"strings"
)

// SourceMode selects where image bytes come from.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type SourceMode string

const (
	// SourceModeSimulated synthesizes deterministic image data locally.
	SourceModeSimulated SourceMode = "simulated"
	// SourceModeLive resolves and downloads images from the upstream catalog.
	SourceModeLive SourceMode = "live"
)

// UnmarshalText implements encoding.TextUnmarshaler for SourceMode to allow env parsing.
func (m *SourceMode) UnmarshalText(text []byte) error {
	v := SourceMode(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() {
		*m = v
		return nil
	}
	return fmt.Errorf("invalid SourceMode: %q", string(text))
}

// Valid returns true if the SourceMode is a recognized mode.
func (m SourceMode) Valid() bool {
	return m == SourceModeSimulated || m == SourceModeLive
}
