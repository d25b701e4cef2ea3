package config

import (
	"fmt"
	"time"
)

// Duration is a config scalar that accepts either a bare number
// (interpreted as milliseconds) or a Go duration string ("5m", "1500ms").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Milliseconds returns the value in whole milliseconds.
func (d Duration) Milliseconds() int64 {
	return time.Duration(d).Milliseconds()
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML decodes a YAML number as milliseconds and a YAML string
// via time.ParseDuration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	switch val := v.(type) {
	case int:
		*d = Duration(time.Duration(val) * time.Millisecond)
	case int64:
		*d = Duration(time.Duration(val) * time.Millisecond)
	case uint64:
		*d = Duration(time.Duration(val) * time.Millisecond)
	case float64:
		*d = Duration(val * float64(time.Millisecond))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v: want milliseconds or duration string", v)
	}
	return nil
}

// MarshalYAML encodes the value as a duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
