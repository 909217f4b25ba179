package filter

import (
	"slices"
	"strings"

	"github.com/strandlabs/strand/relay/models"
)

/*
	Field evaluation is table driven: one entry per recognized
	constraint, each with a presence check and an evaluator. Adding a
	constraint means adding one entry here, nothing else.

	since/until are inclusive bounds. The historical query path uses
	the same inclusivity (see relay/store), so an event sitting exactly
	on a boundary is treated identically on replay and live delivery.
*/

type fieldEvaluator struct {
	name    string
	present func(*Filter) bool
	eval    func(*Filter, *models.Event) bool
}

var fieldEvaluators = []fieldEvaluator{
	{
		name:    "ids",
		present: func(f *Filter) bool { return len(f.IDs) > 0 },
		eval:    func(f *Filter, ev *models.Event) bool { return slices.Contains(f.IDs, ev.ID) },
	},
	{
		name:    "authors",
		present: func(f *Filter) bool { return len(f.Authors) > 0 },
		eval:    func(f *Filter, ev *models.Event) bool { return slices.Contains(f.Authors, ev.PubKey) },
	},
	{
		name:    "kinds",
		present: func(f *Filter) bool { return len(f.Kinds) > 0 },
		eval:    func(f *Filter, ev *models.Event) bool { return slices.Contains(f.Kinds, ev.Kind) },
	},
	{
		name:    "tags",
		present: func(f *Filter) bool { return len(f.Tags) > 0 },
		eval:    evalTags,
	},
	{
		name:    "since",
		present: func(f *Filter) bool { return f.Since != nil },
		eval:    func(f *Filter, ev *models.Event) bool { return ev.CreatedAt >= *f.Since },
	},
	{
		name:    "until",
		present: func(f *Filter) bool { return f.Until != nil },
		eval:    func(f *Filter, ev *models.Event) bool { return ev.CreatedAt <= *f.Until },
	},
	{
		name:    "search",
		present: func(f *Filter) bool { return f.Search != "" },
		eval:    evalSearch,
	},
	{
		name:    "extra",
		present: func(f *Filter) bool { return len(f.Extra) > 0 },
		eval:    evalExtra,
	},
}

// Matches reports whether the event satisfies every constraint present
// on the filter. A filter with no constraints matches every event.
// limit is a historical-query result cap and is never evaluated here.
func (f *Filter) Matches(ev *models.Event) bool {
	for _, fe := range fieldEvaluators {
		if fe.present(f) && !fe.eval(f, ev) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether the event satisfies at least one of the
// filters. An empty filter list matches nothing.
func MatchesAny(filters []Filter, ev *models.Event) bool {
	for i := range filters {
		if filters[i].Matches(ev) {
			return true
		}
	}
	return false
}

// Each "#<name>" entry is an independent constraint; a single entry is
// satisfied by ANY tag on the event carrying the name and one of the
// accepted values.
func evalTags(f *Filter, ev *models.Event) bool {
	for name, accepted := range f.Tags {
		found := false
		for _, value := range ev.TagValues(name) {
			if slices.Contains(accepted, value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Case-folded substring search over the event content and every tag
// value.
func evalSearch(f *Filter, ev *models.Event) bool {
	term := strings.ToLower(f.Search)
	if strings.Contains(strings.ToLower(ev.Content), term) {
		return true
	}
	for _, tag := range ev.Tags {
		if len(tag) == 0 {
			continue
		}
		for _, value := range tag[1:] {
			if strings.Contains(strings.ToLower(value), term) {
				return true
			}
		}
	}
	return false
}

// Unrecognized constraint names pass only when the event carries the
// named top-level attribute with an exactly equal value. This keeps
// older relays permissive toward fields introduced by newer clients.
func evalExtra(f *Filter, ev *models.Event) bool {
	for name, want := range f.Extra {
		have, ok := ev.Attr(name)
		if !ok || !attrEqual(have, want) {
			return false
		}
	}
	return true
}

// Filter values arrive from JSON, so numbers are float64. Event
// attributes are typed. Compare numerics numerically and everything
// else by plain equality.
func attrEqual(have, want any) bool {
	switch h := have.(type) {
	case int:
		if w, ok := want.(float64); ok {
			return float64(h) == w
		}
	case int64:
		if w, ok := want.(float64); ok {
			return float64(h) == w
		}
	case string:
		w, ok := want.(string)
		return ok && h == w
	}
	return false
}
