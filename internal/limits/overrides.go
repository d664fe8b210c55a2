package limits

import (
	"encoding/json"
	"time"

	"github.com/keithlinneman/couponforge-web/internal/attempt"
	"github.com/keithlinneman/couponforge-web/internal/xerrors"
)

// Override adjusts a single limiter. Nil fields keep the default.
type Override struct {
	MaxAttempts    *int `json:"max_attempts,omitempty"`
	WindowSeconds  *int `json:"window_seconds,omitempty"`
	LockoutSeconds *int `json:"lockout_seconds,omitempty"`
}

// Document is the overrides file stored in S3, keyed by limiter name
// (login_ip, login_email, submit).
type Document struct {
	Limiters map[string]Override `json:"limiters"`
}

// ParseDocument decodes and validates an overrides document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(err, "decode overrides document")
	}
	for name, o := range doc.Limiters {
		if err := o.validate(); err != nil {
			return nil, xerrors.Wrapf(err, "limiter %q", name)
		}
	}
	return &doc, nil
}

func (o Override) validate() error {
	if o.MaxAttempts != nil && *o.MaxAttempts < 1 {
		return xerrors.Newf("max_attempts must be >= 1, got %d", *o.MaxAttempts)
	}
	if o.WindowSeconds != nil && *o.WindowSeconds < 1 {
		return xerrors.Newf("window_seconds must be >= 1, got %d", *o.WindowSeconds)
	}
	if o.LockoutSeconds != nil && *o.LockoutSeconds < 1 {
		return xerrors.Newf("lockout_seconds must be >= 1, got %d", *o.LockoutSeconds)
	}
	return nil
}

// Apply returns cfg with this override's non-nil fields substituted.
func (o Override) Apply(cfg attempt.Config) attempt.Config {
	if o.MaxAttempts != nil {
		cfg.MaxAttempts = *o.MaxAttempts
	}
	if o.WindowSeconds != nil {
		cfg.Window = time.Duration(*o.WindowSeconds) * time.Second
	}
	if o.LockoutSeconds != nil {
		cfg.Lockout = time.Duration(*o.LockoutSeconds) * time.Second
	}
	return cfg
}

// Apply returns cfg adjusted by the named limiter's override, or cfg
// unchanged when the document has no entry for it.
func (d *Document) Apply(name string, cfg attempt.Config) attempt.Config {
	if d == nil {
		return cfg
	}
	o, ok := d.Limiters[name]
	if !ok {
		return cfg
	}
	return o.Apply(cfg)
}
