package config

import (
	"fmt"
	"time"
)

// Duration is a wrapper around time.Duration that implements YAML unmarshaling
// from human-readable strings like "30s", "15m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// orDefault returns d, or def when d is unset.
func (d Duration) orDefault(def time.Duration) Duration {
	if d.Duration <= 0 {
		return Duration{def}
	}
	return d
}
