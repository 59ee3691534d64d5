// Package config holds types shared by the JSON configuration files of
// the trellis binaries.
package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Duration is a time.Duration that unmarshals from a JSON or YAML
// string in time.ParseDuration syntax ("30s", "24h").
type Duration struct {
	time.Duration `validate:"required"`
}

// ErrDurationMustBeString is returned when a non-string JSON value is
// presented for a Duration field.
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a config.Duration")

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		var jsonUnmarshalTypeErr *json.UnmarshalTypeError
		if errors.As(err, &jsonUnmarshalTypeErr) {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML accepts the same string format as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	err := unmarshal(&s)
	if err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	d.Duration = dur
	return nil
}
