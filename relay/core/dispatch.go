package core

import (
	"sync"

	"github.com/strandlabs/strand/relay/models"
	"github.com/strandlabs/strand/relay/proto"
)

// sender is the single outbound write primitive for one connection.
type sender interface {
	send(frame []byte) error
	ident() string
}

// DispatchResult reports how a batch settled. Failures have already
// been logged by the time the caller sees it.
type DispatchResult struct {
	Sent   int
	Failed int
}

/*
	dispatch sends every event in the batch as an independent frame,
	concurrently, over the connection's one outbound stream. All sends
	are attempted even when earlier ones fail: a failed frame degrades
	to at-most-once delivery for that one event to that one subscriber
	and is never surfaced to the publisher.

	Relative ordering within a batch is unspecified. If per-batch
	ordering ever becomes a requirement this must switch to sequential
	sends on the session channel.
*/
func (c *Core) dispatch(env proto.Envelope, events []*models.Event, snd sender) DispatchResult {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result DispatchResult
	)

	for _, ev := range events {
		wg.Add(1)
		go func(ev *models.Event) {
			defer wg.Done()

			frame, err := env.WithPayload(ev)
			if err == nil {
				err = snd.send(frame)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				c.metrics.SendFailures.Inc()
				c.logger.Warn("Failed to send event frame",
					"conn", snd.ident(),
					"subscription", env.SubscriptionID,
					"event_id", ev.ID,
					"error", err,
				)
				return
			}
			result.Sent++
			c.metrics.FramesSent.Inc()
		}(ev)
	}

	wg.Wait()
	return result
}
