package core

import (
	"context"

	"github.com/strandlabs/strand/relay/filter"
	"github.com/strandlabs/strand/relay/models"
	"github.com/strandlabs/strand/relay/proto"
	"github.com/strandlabs/strand/relay/store"
)

/*
	Historical replay for a freshly registered subscription: query the
	store per filter, dispatch whatever matched, mark the end of stored
	events, then flush anything that was published while the replay was
	running. The ctx is cancelled when the subscription is replaced or
	the connection goes away.
*/

func (c *Core) runReplay(ctx context.Context, snd sender, sub *subscription) {
	events, err := c.queryStored(ctx, sub.filters)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Service-level failure: no partial results, subscription
		// stays registered and still goes live below.
		c.logger.Error("Historical query failed",
			"conn", snd.ident(), "subscription", sub.id, "error", err)
		if frame, ferr := proto.NoticeFrame("error: could not query stored events"); ferr == nil {
			if serr := snd.send(frame); serr != nil {
				c.logger.Warn("Could not deliver NOTICE frame", "conn", snd.ident(), "error", serr)
			}
		}
		events = nil
	}
	if ctx.Err() != nil {
		return
	}

	if len(events) > 0 {
		c.dispatch(proto.EventEnvelope(sub.id), events, snd)
	}

	// Zero stored rows is a normal terminal state: the EOSE frame goes
	// out alone.
	if frame, err := proto.EOSEFrame(sub.id); err == nil {
		if serr := snd.send(frame); serr != nil {
			c.logger.Warn("Could not deliver EOSE frame",
				"conn", snd.ident(), "subscription", sub.id, "error", serr)
		}
	}

	if pending := sub.goLive(); len(pending) > 0 {
		c.dispatch(proto.EventEnvelope(sub.id), pending, snd)
	}
}

// queryStored unions the per-filter query results, deduplicating by
// event id while preserving each query's created_at descending order.
func (c *Core) queryStored(ctx context.Context, filters []filter.Filter) ([]*models.Event, error) {
	seen := make(map[string]struct{})
	var out []*models.Event

	for i := range filters {
		plan := store.Translate(filters[i])
		rows, err := c.store.Query(ctx, plan)
		if err != nil {
			return nil, err
		}
		c.metrics.ReplayQueries.Inc()
		for j := range rows {
			if _, dup := seen[rows[j].ID]; dup {
				continue
			}
			seen[rows[j].ID] = struct{}{}
			out = append(out, &rows[j])
		}
	}
	return out, nil
}
