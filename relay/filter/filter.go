package filter

import (
	"encoding/json"
	"fmt"
	"strings"
)

/*
	A filter is a data-only predicate over events. Every present
	constraint must hold for a match (AND within a filter); a
	subscription carries a list of filters that are OR-ed together.

	Filters are never mutated after they are decoded, so a single
	value may be evaluated from any number of goroutines without
	synchronization.
*/

type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string // keyed by tag name, from "#<name>" entries
	Since   *int64
	Until   *int64
	Search  string
	Limit   int

	// Extra holds constraint names the matcher does not recognize.
	// They fall back to exact-equality checks against the event's
	// top-level attributes.
	Extra map[string]any
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("filter must be a JSON object: %w", err)
	}
	// null unmarshals into a nil map without error; it must not pass
	// as the match-everything empty filter.
	if raw == nil {
		return fmt.Errorf("filter must be a JSON object, got null")
	}

	out := Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &out.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &out.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &out.Kinds)
		case key == "since":
			err = json.Unmarshal(value, &out.Since)
		case key == "until":
			err = json.Unmarshal(value, &out.Until)
		case key == "search":
			err = json.Unmarshal(value, &out.Search)
		case key == "limit":
			err = json.Unmarshal(value, &out.Limit)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			if err = json.Unmarshal(value, &values); err == nil {
				if out.Tags == nil {
					out.Tags = make(map[string][]string)
				}
				out.Tags[key[1:]] = values
			}
		default:
			var v any
			if err = json.Unmarshal(value, &v); err == nil {
				if out.Extra == nil {
					out.Extra = make(map[string]any)
				}
				out.Extra[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}

	*f = out
	return nil
}

func (f Filter) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any)
	if f.IDs != nil {
		raw["ids"] = f.IDs
	}
	if f.Authors != nil {
		raw["authors"] = f.Authors
	}
	if f.Kinds != nil {
		raw["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		raw["#"+name] = values
	}
	if f.Since != nil {
		raw["since"] = *f.Since
	}
	if f.Until != nil {
		raw["until"] = *f.Until
	}
	if f.Search != "" {
		raw["search"] = f.Search
	}
	if f.Limit > 0 {
		raw["limit"] = f.Limit
	}
	for key, value := range f.Extra {
		raw[key] = value
	}
	return json.Marshal(raw)
}
