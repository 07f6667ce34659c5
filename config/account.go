package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AccountKey is the ordered path (campaign, strategy, ...) an agent bids for. The zero value is
// the empty key. Segments are copied in and out, so a key never changes once built.
type AccountKey struct {
	segments []string
}

// NewAccountKey builds a key from its segments. Empty segments are rejected.
func NewAccountKey(segments ...string) (AccountKey, error) {
	for i, s := range segments {
		if s == "" {
			return AccountKey{}, fmt.Errorf("account segment %d is empty", i)
		}
		if strings.Contains(s, ":") {
			return AccountKey{}, fmt.Errorf("account segment %q contains ':'", s)
		}
	}
	return AccountKey{segments: append([]string(nil), segments...)}, nil
}

// MustAccountKey is NewAccountKey for literals.
func MustAccountKey(segments ...string) AccountKey {
	key, err := NewAccountKey(segments...)
	if err != nil {
		panic(err)
	}
	return key
}

func (k AccountKey) Segments() []string {
	return append([]string(nil), k.segments...)
}

func (k AccountKey) Empty() bool {
	return len(k.segments) == 0
}

func (k AccountKey) String() string {
	return strings.Join(k.segments, ":")
}

// HasPrefix reports whether every segment of prefix leads this key.
func (k AccountKey) HasPrefix(prefix AccountKey) bool {
	if len(prefix.segments) > len(k.segments) {
		return false
	}
	for i, s := range prefix.segments {
		if k.segments[i] != s {
			return false
		}
	}
	return true
}

func (k AccountKey) Equal(other AccountKey) bool {
	return len(k.segments) == len(other.segments) && k.HasPrefix(other)
}

func (k AccountKey) MarshalJSON() ([]byte, error) {
	if k.segments == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(k.segments)
}

// UnmarshalJSON accepts ["campaign","strategy"] or "campaign:strategy".
func (k *AccountKey) UnmarshalJSON(data []byte) error {
	var segments []string
	if err := json.Unmarshal(data, &segments); err != nil {
		var joined string
		if errStr := json.Unmarshal(data, &joined); errStr != nil {
			return fmt.Errorf("account must be an array of strings or a ':' separated string: %v", err)
		}
		if joined != "" {
			segments = strings.Split(joined, ":")
		}
	}
	key, err := NewAccountKey(segments...)
	if err != nil {
		return err
	}
	*k = key
	return nil
}

func (k *AccountKey) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var segments []string
	if err := unmarshal(&segments); err != nil {
		var joined string
		if errStr := unmarshal(&joined); errStr != nil {
			return err
		}
		if joined != "" {
			segments = strings.Split(joined, ":")
		}
	}
	key, err := NewAccountKey(segments...)
	if err != nil {
		return err
	}
	*k = key
	return nil
}
