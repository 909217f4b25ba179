package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/strandlabs/strand/relay/models"
	"github.com/strandlabs/strand/relay/proto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// scriptedSender fails sends for selected event ids and records the
// rest, standing in for a session's outbound channel.
type scriptedSender struct {
	mu         sync.Mutex
	frames     [][]byte
	failEvents map[string]bool
}

func (s *scriptedSender) send(frame []byte) error {
	var elements []json.RawMessage
	if err := json.Unmarshal(frame, &elements); err != nil {
		return err
	}
	var ev models.Event
	if len(elements) == 3 {
		if err := json.Unmarshal(elements[2], &ev); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEvents[ev.ID] {
		return &SendError{ConnID: s.ident(), Reason: "scripted failure"}
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *scriptedSender) ident() string { return "test-conn" }

func (s *scriptedSender) sentEventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, frame := range s.frames {
		var elements []json.RawMessage
		if json.Unmarshal(frame, &elements) != nil || len(elements) != 3 {
			continue
		}
		var ev models.Event
		if json.Unmarshal(elements[2], &ev) == nil {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}

func dispatchTestCore() *Core {
	return &Core{
		logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		metrics: NewMetrics(),
	}
}

func batchEvents(n int) []*models.Event {
	events := make([]*models.Event, n)
	for i := range events {
		events[i] = &models.Event{
			ID:        fmt.Sprintf("%064d", i+1),
			Kind:      1,
			CreatedAt: int64(100 + i),
			Tags:      [][]string{},
		}
	}
	return events
}

func TestDispatchAllSucceed(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/golang/glog.(*loggingT).flushDaemon"))

	c := dispatchTestCore()
	snd := &scriptedSender{}

	result := c.dispatch(proto.EventEnvelope("sub1"), batchEvents(3), snd)
	assert.Equal(t, 3, result.Sent)
	assert.Zero(t, result.Failed)
	assert.Len(t, snd.sentEventIDs(), 3)
}

func TestDispatchPartialFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/golang/glog.(*loggingT).flushDaemon"))

	c := dispatchTestCore()
	events := batchEvents(3)
	snd := &scriptedSender{failEvents: map[string]bool{events[1].ID: true}}

	result := c.dispatch(proto.EventEnvelope("sub1"), events, snd)

	// The failing frame never aborts its siblings.
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 1, result.Failed)

	sent := snd.sentEventIDs()
	require.Len(t, sent, 2)
	assert.Contains(t, sent, events[0].ID)
	assert.Contains(t, sent, events[2].ID)
	assert.NotContains(t, sent, events[1].ID)
}

func TestDispatchEmptyBatch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("github.com/golang/glog.(*loggingT).flushDaemon"))

	c := dispatchTestCore()
	result := c.dispatch(proto.EventEnvelope("sub1"), nil, &scriptedSender{})
	assert.Zero(t, result.Sent)
	assert.Zero(t, result.Failed)
}

func TestDispatchEveryFrameCarriesTheEnvelope(t *testing.T) {
	c := dispatchTestCore()
	snd := &scriptedSender{}
	c.dispatch(proto.EventEnvelope("sub-x"), batchEvents(2), snd)

	snd.mu.Lock()
	defer snd.mu.Unlock()
	for _, frame := range snd.frames {
		var elements []json.RawMessage
		require.NoError(t, json.Unmarshal(frame, &elements))
		require.Len(t, elements, 3)
		assert.JSONEq(t, `"EVENT"`, string(elements[0]))
		assert.JSONEq(t, `"sub-x"`, string(elements[1]))
	}
}
