package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/strand/relay/filter"
	"github.com/strandlabs/strand/relay/models"
	"github.com/strandlabs/strand/relay/proto"

	"github.com/gorilla/websocket"
)

const defaultTimeout = 10 * time.Second

var (
	ErrClientClosed        = errors.New("client closed")
	ErrSubscriptionExists  = errors.New("subscription id already in use")
	ErrSubscriptionUnknown = errors.New("unknown subscription id")
)

type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:8080/.
	URL     string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Subscription is a registered filter set and its delivery channels.
// Events carries both the historical replay and the live stream; EOSE
// is closed once stored events are exhausted.
type Subscription struct {
	ID     string
	Events chan models.Event
	EOSE   chan struct{}

	eoseOnce sync.Once
}

type okResult struct {
	accepted bool
	message  string
}

// Client speaks the relay wire protocol over a single websocket
// connection.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*Subscription
	pending map[string]chan okResult
	closed  bool
	done    chan struct{}
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay at %s: %w", cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		conn:    conn,
		logger:  logger.WithGroup("strand_client"),
		timeout: timeout,
		subs:    make(map[string]*Subscription),
		pending: make(map[string]chan okResult),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe registers the filters under the given id and returns the
// delivery channels. The relay replays stored events first, closes
// EOSE, then streams live matches.
func (c *Client) Subscribe(ctx context.Context, id string, filters []filter.Filter) (*Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("subscription id cannot be empty")
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("subscription requires at least one filter")
	}

	sub := &Subscription{
		ID:     id,
		Events: make(chan models.Event, 64),
		EOSE:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, ok := c.subs[id]; ok {
		c.mu.Unlock()
		return nil, ErrSubscriptionExists
	}
	c.subs[id] = sub
	c.mu.Unlock()

	frame := make([]any, 0, len(filters)+2)
	frame = append(frame, proto.VerbReq, id)
	for _, f := range filters {
		frame = append(frame, f)
	}
	if err := c.writeFrame(frame); err != nil {
		c.dropSubscription(id)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe discards the subscription on the relay and locally.
func (c *Client) Unsubscribe(id string) error {
	sub := c.dropSubscription(id)
	if sub == nil {
		return ErrSubscriptionUnknown
	}
	return c.writeFrame([]any{proto.VerbClose, id})
}

// Publish sends an event and waits for the relay's acknowledgment.
func (c *Client) Publish(ctx context.Context, ev *models.Event) (bool, string, error) {
	ch := make(chan okResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, "", ErrClientClosed
	}
	c.pending[ev.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame([]any{proto.VerbEvent, ev}); err != nil {
		return false, "", err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.accepted, res.message, nil
	case <-timer.C:
		return false, "", fmt.Errorf("timed out waiting for acknowledgment of event %s", ev.ID)
	case <-ctx.Done():
		return false, "", ctx.Err()
	case <-c.done:
		return false, "", ErrClientClosed
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) writeFrame(frame []any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) dropSubscription(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return nil
	}
	delete(c.subs, id)
	return sub
}

// readLoop decodes outbound frames from the relay and routes them to
// the owning subscription or pending publish.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for _, sub := range c.subs {
			close(sub.Events)
		}
		c.subs = make(map[string]*Subscription)
		c.mu.Unlock()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("Relay connection closed", "error", err)
			}
			return
		}
		c.routeFrame(raw)
	}
}

func (c *Client) routeFrame(raw []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil || len(elements) == 0 {
		c.logger.Warn("Dropping undecodable frame from relay", "error", err)
		return
	}
	var verb string
	if err := json.Unmarshal(elements[0], &verb); err != nil {
		c.logger.Warn("Dropping frame with non-string verb")
		return
	}

	switch verb {
	case proto.VerbEvent:
		if len(elements) != 3 {
			return
		}
		var subID string
		var ev models.Event
		if json.Unmarshal(elements[1], &subID) != nil || json.Unmarshal(elements[2], &ev) != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		select {
		case sub.Events <- ev:
		default:
			c.logger.Warn("Subscription event buffer full, dropping event",
				"subscription", subID, "event_id", ev.ID)
		}

	case proto.VerbEOSE:
		if len(elements) != 2 {
			return
		}
		var subID string
		if json.Unmarshal(elements[1], &subID) != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub != nil {
			sub.eoseOnce.Do(func() { close(sub.EOSE) })
		}

	case proto.VerbOK:
		if len(elements) != 4 {
			return
		}
		var eventID, message string
		var accepted bool
		if json.Unmarshal(elements[1], &eventID) != nil ||
			json.Unmarshal(elements[2], &accepted) != nil ||
			json.Unmarshal(elements[3], &message) != nil {
			return
		}
		c.mu.Lock()
		ch := c.pending[eventID]
		c.mu.Unlock()
		if ch != nil {
			ch <- okResult{accepted: accepted, message: message}
		}

	case proto.VerbNotice:
		var message string
		if len(elements) >= 2 && json.Unmarshal(elements[1], &message) == nil {
			c.logger.Warn("Relay notice", "message", message)
		}
	}
}
