package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Timestamp is a unix time in seconds, as carried by relay events.
type Timestamp int64

func Now() Timestamp { return Timestamp(time.Now().Unix()) }

func (t Timestamp) Time() time.Time { return time.Unix(int64(t), 0) }

type Tag []string

func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

type Tags []Tag

// Value returns the first value stored under key.
func (t Tags) Value(key string) string {
	for _, tag := range t {
		if tag.Key() == key {
			return tag.Value()
		}
	}
	return ""
}

func (t Tags) Has(key, value string) bool {
	for _, tag := range t {
		if tag.Key() == key && tag.Value() == value {
			return true
		}
	}
	return false
}

// Event is a signed relay message.
type Event struct {
	ID        string    `json:"id"`
	PubKey    NodeID    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// Ephemeral events are relayed but never stored.
func (e *Event) Ephemeral() bool { return e.Kind >= 20000 && e.Kind < 30000 }

// Replaceable events keep only the latest per (pubkey, kind, d tag).
func (e *Event) Replaceable() bool { return e.Kind >= 30000 && e.Kind < 40000 }

// ReplaceKey identifies the slot a replaceable event occupies.
func (e *Event) ReplaceKey() string {
	return fmt.Sprintf("%s:%d:%s", e.PubKey, e.Kind, e.Tags.Value("d"))
}

// Newer orders events for replacement: later timestamp, then lower id.
func (e *Event) Newer(other *Event) bool {
	if e.CreatedAt != other.CreatedAt {
		return e.CreatedAt > other.CreatedAt
	}
	return e.ID < other.ID
}

// Filter selects events. Tag constraints are keyed by tag name and encoded
// as "#name" on the wire.
type Filter struct {
	IDs     []string
	Authors []NodeID
	Kinds   []int
	Tags    map[string][]string
	Since   Timestamp
	Until   Timestamp
	Limit   int
}

func (f Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 {
		found := false
		for _, a := range f.Authors {
			if a == e.PubKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && e.CreatedAt > f.Until {
		return false
	}
	for key, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		matched := false
		for _, v := range values {
			if e.Tags.Has(key, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MatchesAny reports whether any filter selects the event.
func MatchesAny(filters []Filter, e *Event) bool {
	for _, f := range filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for key, values := range f.Tags {
		m["#"+key] = values
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Until > 0 {
		m["until"] = f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			err = json.Unmarshal(value, &f.Since)
		case key == "until":
			err = json.Unmarshal(value, &f.Until)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			err = json.Unmarshal(value, &values)
			if err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[key[1:]] = values
			}
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}
