package embedder

import (
	"errors"
	"fmt"
)

// ErrUnknownTruncateMode is returned when parsing an unsupported label.
var ErrUnknownTruncateMode = errors.New("unknown truncate mode")

// TruncateMode tells the embedding service how to shorten inputs longer than
// the model's maximum token length. The zero value means "not set": the
// service applies its model-dependent default.
type TruncateMode string

const (
	TruncateNone  TruncateMode = "NONE"
	TruncateStart TruncateMode = "START"
	TruncateEnd   TruncateMode = "END"
)

// TruncateModes lists every defined mode.
func TruncateModes() []TruncateMode {
	return []TruncateMode{TruncateNone, TruncateStart, TruncateEnd}
}

// ParseTruncateMode returns the mode with the given canonical label.
func ParseTruncateMode(s string) (TruncateMode, error) {
	for _, m := range TruncateModes() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w %q; supported modes are %v", ErrUnknownTruncateMode, s, TruncateModes())
}

// String returns the canonical label.
func (m TruncateMode) String() string { return string(m) }

// Valid reports whether m is one of the defined modes.
func (m TruncateMode) Valid() bool {
	_, err := ParseTruncateMode(string(m))
	return err == nil
}

func (m TruncateMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w %q", ErrUnknownTruncateMode, string(m))
	}
	return []byte(m), nil
}

func (m *TruncateMode) UnmarshalText(b []byte) error {
	parsed, err := ParseTruncateMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
