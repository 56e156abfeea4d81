package reclaim

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Delay is the grace period between the release of the last reference to a
// record and the moment the record may be removed from its table.
type Delay time.Duration

const (
	// DefaultDelay is used when nothing else is configured.
	DefaultDelay = Delay(60 * time.Second)

	// MaxDelay is the largest finite grace period accepted.
	MaxDelay = Delay(100 * 1000 * 1000 * time.Second)

	// Infinity defers deletion until an explicit forced sweep.
	Infinity = MaxDelay + Delay(time.Second)
)

const infinityName = "infinity"

// ErrInvalidDelay is returned for negative delays or delays above MaxDelay.
var ErrInvalidDelay = errors.New("invalid gc delay")

// Valid reports whether d is within [0, MaxDelay] or is Infinity.
func (d Delay) Valid() bool {
	return d == Infinity || (d >= 0 && d <= MaxDelay)
}

// IsInfinite reports whether d never elapses on its own.
func (d Delay) IsInfinite() bool {
	return d == Infinity
}

// Duration returns d as a time.Duration.
func (d Delay) Duration() time.Duration {
	return time.Duration(d)
}

// String returns "infinity" or the time.Duration formatting of d.
func (d Delay) String() string {
	if d.IsInfinite() {
		return infinityName
	}
	return time.Duration(d).String()
}

// ParseDelay parses "infinity", a Go duration ("90s", "5m") or a bare
// integer number of seconds.
func ParseDelay(s string) (Delay, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, infinityName) {
		return Infinity, nil
	}

	var d Delay
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 || secs > int64(MaxDelay/Delay(time.Second)) {
			return 0, fmt.Errorf("%w: %s", ErrInvalidDelay, s)
		}
		d = Delay(time.Duration(secs) * time.Second)
	} else {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidDelay, err)
		}
		d = Delay(dur)
	}

	if !d.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDelay, s)
	}
	return d, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Delay) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: expected a scalar at line %d", ErrInvalidDelay, value.Line)
	}
	parsed, err := ParseDelay(value.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Delay) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON accepts either a string or a number of seconds.
func (d *Delay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var secs json.Number
		if err := json.Unmarshal(data, &secs); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidDelay, string(data))
		}
		s = secs.String()
	}
	parsed, err := ParseDelay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Delay) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
