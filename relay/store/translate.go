package store

import (
	"slices"

	"github.com/strandlabs/strand/relay/filter"
	"github.com/strandlabs/strand/relay/models"
)

const (
	// DefaultQueryLimit applies when a filter carries no limit.
	DefaultQueryLimit = 100

	// MaxQueryLimit caps what any single filter may request.
	MaxQueryLimit = 500
)

/*
	A plan is the storage-facing translation of a filter: every field
	becomes a conjunctive predicate, absent fields impose none.
	since/until are inclusive, matching the live path, and limit is
	consumed here and only here.

	search and unrecognized fields carry the live matcher's exact
	semantics into the store so replay and live delivery agree on
	which events a filter accepts.
*/

type Plan struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string
	Since   *int64
	Until   *int64
	Search  string
	Extra   map[string]any
	Limit   int
}

// Translate maps a filter onto a bounded storage lookup.
func Translate(f filter.Filter) Plan {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	return Plan{
		IDs:     f.IDs,
		Authors: f.Authors,
		Kinds:   f.Kinds,
		Tags:    f.Tags,
		Since:   f.Since,
		Until:   f.Until,
		Search:  f.Search,
		Extra:   f.Extra,
		Limit:   limit,
	}
}

// Matches evaluates the plan's predicates against one event. Backends
// without native predicate pushdown (badger) scan and call this; the
// sqlite backend pushes the same predicates into SQL.
func (p Plan) Matches(ev *models.Event) bool {
	if len(p.IDs) > 0 && !slices.Contains(p.IDs, ev.ID) {
		return false
	}
	if len(p.Authors) > 0 && !slices.Contains(p.Authors, ev.PubKey) {
		return false
	}
	if len(p.Kinds) > 0 && !slices.Contains(p.Kinds, ev.Kind) {
		return false
	}
	for name, accepted := range p.Tags {
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
	if p.Since != nil && ev.CreatedAt < *p.Since {
		return false
	}
	if p.Until != nil && ev.CreatedAt > *p.Until {
		return false
	}
	// search and unrecognized fields keep the live matcher's exact
	// semantics by delegating to it.
	residual := filter.Filter{Search: p.Search, Extra: p.Extra}
	return residual.Matches(ev)
}
