// ABOUTME: Subscription filters and the shared record matching predicate
// ABOUTME: Same Matches is used for historical queries and live fan-out

package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/2389/coven-relay/internal/event"
)

// ErrInvalidFilter is wrapped by every filter decoding error.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is a conjunction of optional constraints. A nil slice or pointer
// means the field is absent; a present but empty set matches nothing.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   *int
	// Tags maps a tag name (without the leading '#') to accepted values.
	Tags map[string][]string
}

// Matches reports whether r satisfies every present constraint of f.
func (f *Filter) Matches(r *event.Record) bool {
	if f.IDs != nil && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	if f.Authors != nil && !slices.Contains(f.Authors, r.PubKey) {
		return false
	}
	if f.Kinds != nil && !slices.Contains(f.Kinds, r.Kind) {
		return false
	}
	if f.Since != nil && r.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && r.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !hasTagValue(r.Tags, name, values) {
			return false
		}
	}
	return true
}

func hasTagValue(tags event.Tags, name string, values []string) bool {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name && slices.Contains(values, t[1]) {
			return true
		}
	}
	return false
}

// Empty reports whether the filter can never match anything.
func (f *Filter) Empty() bool {
	if f.IDs != nil && len(f.IDs) == 0 {
		return true
	}
	if f.Authors != nil && len(f.Authors) == 0 {
		return true
	}
	if f.Kinds != nil && len(f.Kinds) == 0 {
		return true
	}
	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return true
	}
	for _, v := range f.Tags {
		if len(v) == 0 {
			return true
		}
	}
	return false
}

// EffectiveLimit returns how many historical records this filter may return:
// its own limit if set, otherwise defaultLimit, never more than hardCap.
func (f *Filter) EffectiveLimit(defaultLimit, hardCap int) int {
	n := defaultLimit
	if f.Limit != nil {
		n = *f.Limit
	}
	if n < 0 {
		n = 0
	}
	if hardCap > 0 && n > hardCap {
		n = hardCap
	}
	return n
}

// Filters is the filter list of one subscription; a record matches when any
// filter matches.
type Filters []Filter

// Matches reports whether r matches at least one filter.
func (fs Filters) Matches(r *event.Record) bool {
	for i := range fs {
		if fs[i].Matches(r) {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes the wire filter object. Keys of the form "#x" with a
// single-letter name become tag constraints; unknown keys are ignored.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: filter must be an object", ErrInvalidFilter)
	}
	if raw == nil {
		return fmt.Errorf("%w: filter must be an object", ErrInvalidFilter)
	}

	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			f.IDs, err = decodeHexList(value, key)
		case key == "authors":
			f.Authors, err = decodeHexList(value, key)
		case key == "kinds":
			f.Kinds, err = decodeList[int](value, key)
		case key == "since":
			f.Since, err = decodeOptional[int64](value, key)
		case key == "until":
			f.Until, err = decodeOptional[int64](value, key)
		case key == "limit":
			f.Limit, err = decodeOptional[int](value, key)
		case strings.HasPrefix(key, "#") && len(key) == 2:
			var values []string
			values, err = decodeList[string](value, key)
			if err == nil && values != nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[key[1:]] = values
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON encodes the filter in wire form with deterministic key order.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]any)
	if f.IDs != nil {
		out["ids"] = f.IDs
	}
	if f.Authors != nil {
		out["authors"] = f.Authors
	}
	if f.Kinds != nil {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit != nil {
		out["limit"] = *f.Limit
	}
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out["#"+name] = f.Tags[name]
	}
	return json.Marshal(out)
}

func decodeList[T any](raw json.RawMessage, key string) ([]T, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	out := []T{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %s must be an array", ErrInvalidFilter, key)
	}
	return out, nil
}

func decodeHexList(raw json.RawMessage, key string) ([]string, error) {
	values, err := decodeList[string](raw, key)
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		if !event.IsHex64(v) {
			return nil, fmt.Errorf("%w: %s entries must be 64-character lowercase hex", ErrInvalidFilter, key)
		}
	}
	return values, nil
}

func decodeOptional[T any](raw json.RawMessage, key string) (*T, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %s has the wrong type", ErrInvalidFilter, key)
	}
	return &v, nil
}
