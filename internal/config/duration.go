package config

import (
	"fmt"
	"time"
)

// Duration embeds time.Duration so YAML config values can be written as
// "30s" or "2h" instead of nanosecond integers. Bare numbers are read as
// seconds since that is what hand-edited config files tend to contain.
type Duration struct {
	time.Duration
}

// DurationFrom wraps a time.Duration for use in config defaults.
func DurationFrom(d time.Duration) Duration {
	return Duration{Duration: d}
}

// IsZero reports whether the duration is unset.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(value func(any) error) error {
	var raw any
	if err := value(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case int:
		d.Duration = time.Duration(v) * time.Second
	case int64:
		d.Duration = time.Duration(v) * time.Second
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("unsupported duration type %T", raw)
	}
	return nil
}
