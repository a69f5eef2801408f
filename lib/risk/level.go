// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package risk

import "fmt"

// Level is an ordered escalation level.
type Level int

const (
	Nominal Level = iota
	Elevated
	Critical
)

func (l Level) String() string {
	switch l {
	case Nominal:
		return "nominal"
	case Elevated:
		return "elevated"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText encodes the lower-case name, for JSON and CBOR.
func (l Level) MarshalText() ([]byte, error) {
	if l < Nominal || l > Critical {
		return nil, fmt.Errorf("risk: invalid level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel is the inverse of Level.String.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "nominal":
		return Nominal, nil
	case "elevated":
		return Elevated, nil
	case "critical":
		return Critical, nil
	}
	return 0, fmt.Errorf("risk: unknown level %q", s)
}
