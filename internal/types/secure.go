package types

import "log/slog"

const redacted = "[REDACTED]"

// SecretString holds credentials loaded from env or SSM: the Stripe secret
// key, the webhook signing secret, the database URL and the SendGrid key.
// Every printing path (fmt verbs, JSON, slog attributes) sees a placeholder;
// only Unmask returns the value.
type SecretString string

func (s SecretString) String() string { return redacted }

// GoString covers %#v, which bypasses String for string kinds.
func (s SecretString) GoString() string { return `types.SecretString("` + redacted + `")` }

func (s SecretString) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// LogValue keeps secrets out of slog output, including when a whole config
// struct is logged with slog.Any.
func (s SecretString) LogValue() slog.Value { return slog.StringValue(redacted) }

// IsSet reports whether a value was configured without exposing it.
func (s SecretString) IsSet() bool { return s != "" }

// Unmask returns the plaintext. Call it only at the point the value is
// handed to a client or driver.
func (s SecretString) Unmask() string { return string(s) }
