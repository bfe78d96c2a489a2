package config

import (
	"encoding/json"
	"fmt"
	"time"

	"fsgrid/pkg/utils"
)

// Duration accepts "10s"-style strings or a number of seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("duration must be a string or number of seconds, got %T", v)
	}
	return nil
}

// DataSize is a byte count written either as a number or as "2GB", "512MiB" and so on.
type DataSize int64

func (s DataSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(utils.FormatDataSize(int64(s)))
}

func (s *DataSize) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		*s = DataSize(v)
	case string:
		return s.parse(v)
	case nil:
		*s = 0
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}

func (s *DataSize) parse(v string) error {
	n, err := utils.ParseDataSize(v)
	if err != nil {
		return fmt.Errorf("invalid size format: %w", err)
	}
	*s = DataSize(n)
	return nil
}
