package types

import "log/slog"

// redacted replaces secret values anywhere a SecretString reaches an output
// sink.
const redacted = "***REDACTED***"

// SecretString holds a credential (API keys, webhook secrets, the database
// DSN) that must never appear in logs or serialized output. Every rendering
// path a secret could leak through (fmt via Stringer, encoding/json, slog via
// LogValuer) yields a redaction marker; only an explicit Unmask call returns
// the plaintext.
type SecretString string

func (s SecretString) String() string { return redacted }

func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// LogValue keeps secrets out of structured log attributes even when a
// SecretString is passed to slog directly rather than through fmt.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Unmask returns the plaintext. Call sites should be limited to the points
// that genuinely need the raw value: Authorization headers, signature HMACs,
// and the pgx connection string.
func (s SecretString) Unmask() string {
	return string(s)
}
