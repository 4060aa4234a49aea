package core

import "encoding/json"

// Secret represents sensitive values that should be redacted in API output.
type Secret struct {
	Value string
}

// NewSecret wraps a raw value as a Secret.
func NewSecret(value string) Secret {
	return Secret{Value: value}
}

// IsSet reports whether the secret holds a value.
func (s Secret) IsSet() bool {
	return s.Value != ""
}

// Redacted returns a redacted representation for display.
func (s Secret) Redacted() string {
	if !s.IsSet() {
		return ""
	}
	return "REDACTED"
}

// MarshalJSON ensures secrets are never serialized in cleartext.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Redacted())
}

// String returns the redacted value for fmt and slog output.
func (s Secret) String() string {
	return s.Redacted()
}
