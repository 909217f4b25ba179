package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/strand/relay/filter"
	"github.com/strandlabs/strand/relay/models"
	"github.com/strandlabs/strand/relay/proto"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type subState int

const (
	subReplaying subState = iota
	subLive
	subClosed
)

/*
	A subscription is owned by its session. While it is replaying
	stored events, matching live events are buffered and flushed right
	after EOSE so nothing published during the replay window is lost.
*/

type subscription struct {
	id      string
	filters []filter.Filter

	// cancel tears down the in-flight replay when the subscription is
	// replaced, closed, or the connection goes away.
	cancel context.CancelFunc

	mu      sync.Mutex
	state   subState
	pending []*models.Event
}

// bufferIfReplaying queues the event when the subscription is still
// replaying and reports whether it did.
func (sub *subscription) bufferIfReplaying(ev *models.Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.state != subReplaying {
		return false
	}
	sub.pending = append(sub.pending, ev)
	return true
}

// goLive transitions the subscription out of replay and hands back
// whatever accumulated during the window. There is no reverse
// transition.
func (sub *subscription) goLive() []*models.Event {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.state != subReplaying {
		return nil
	}
	sub.state = subLive
	pending := sub.pending
	sub.pending = nil
	return pending
}

func (sub *subscription) markClosed() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.state = subClosed
	sub.pending = nil
}

func (sub *subscription) isLive() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state == subLive
}

type session struct {
	id     uuid.UUID
	core   *Core
	conn   *websocket.Conn
	info   proto.ClientInfo
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Buffered channel of outbound frames. writePump is the single
	// writer on the connection, which keeps frames from sequential
	// publishes in publish order.
	out chan []byte

	subsMu sync.Mutex
	subs   map[string]*subscription
}

func newSession(c *Core, conn *websocket.Conn, info proto.ClientInfo) *session {
	ctx, cancel := context.WithCancel(c.appCtx)
	id := uuid.New()
	return &session{
		id:     id,
		core:   c,
		conn:   conn,
		info:   info,
		logger: c.logger.With("conn", id.String(), "client", info.Identity),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, c.cfg.Sessions.SendBufferSize),
	}
}

func (s *session) ident() string {
	return s.id.String()
}

// send is the single outbound primitive. It never blocks: a full
// buffer or a closed session yields a SendError immediately.
func (s *session) send(frame []byte) error {
	select {
	case <-s.ctx.Done():
		return &SendError{ConnID: s.ident(), Reason: "session closed"}
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return &SendError{ConnID: s.ident(), Reason: "send buffer full"}
	}
}

// teardown cancels in-flight replays and releases every subscription
// this connection registered. No matcher registrations survive it.
func (s *session) teardown() {
	s.cancel()

	s.subsMu.Lock()
	subs := s.subs
	s.subs = nil
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.markClosed()
		s.core.metrics.ActiveSubscriptions.Dec()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// deliverLive routes one transported event to this session's matching
// subscriptions. Subscriptions still replaying buffer the event
// instead of sending it.
func (s *session) deliverLive(ev *models.Event) {
	s.subsMu.Lock()
	matched := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if filter.MatchesAny(sub.filters, ev) {
			matched = append(matched, sub)
		}
	}
	s.subsMu.Unlock()

	for _, sub := range matched {
		if sub.bufferIfReplaying(ev) {
			continue
		}
		if !sub.isLive() {
			continue
		}
		s.core.dispatch(proto.EventEnvelope(sub.id), []*models.Event{ev}, s)
	}
}

func (s *session) handleMessage(raw []byte) {
	msg, err := proto.Decode(raw)
	if err != nil {
		// Protocol errors never close the connection.
		s.logger.Warn("Rejected inbound frame", "origin", s.info.Origin, "error", err)
		if frame, ferr := proto.NoticeFrame(err.Error()); ferr == nil {
			if serr := s.send(frame); serr != nil {
				s.logger.Warn("Could not deliver NOTICE frame", "error", serr)
			}
		}
		return
	}

	switch m := msg.(type) {
	case *proto.ReqMessage:
		s.handleReq(m)
	case *proto.CloseMessage:
		s.handleClose(m)
	case *proto.EventMessage:
		s.core.handlePublish(s, &m.Event)
	}
}

// handleReq registers a subscription, replacing any previous one with
// the same id in place, and kicks off historical replay.
func (s *session) handleReq(m *proto.ReqMessage) {
	if m.DroppedFilters > 0 {
		s.logger.Warn("REQ carried undecodable filters, registering the rest",
			"subscription", m.SubscriptionID, "dropped", m.DroppedFilters)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sub := &subscription{
		id:      m.SubscriptionID,
		filters: m.Filters,
		cancel:  cancel,
		state:   subReplaying,
	}

	s.subsMu.Lock()
	old, replaced := s.subs[sub.id]
	if s.subs == nil {
		s.subs = make(map[string]*subscription)
	}
	s.subs[sub.id] = sub
	s.subsMu.Unlock()

	if replaced {
		old.cancel()
		old.markClosed()
	} else {
		s.core.metrics.ActiveSubscriptions.Inc()
	}
	s.logger.Debug("Subscription registered",
		"subscription", sub.id, "filters", len(sub.filters), "replaced", replaced)

	go s.core.runReplay(ctx, s, sub)
}

func (s *session) handleClose(m *proto.CloseMessage) {
	s.subsMu.Lock()
	sub, ok := s.subs[m.SubscriptionID]
	if ok {
		delete(s.subs, m.SubscriptionID)
	}
	s.subsMu.Unlock()

	// Closing an unknown subscription id is a no-op.
	if !ok {
		return
	}
	sub.cancel()
	sub.markClosed()
	s.core.metrics.ActiveSubscriptions.Dec()
	s.logger.Debug("Subscription closed", "subscription", m.SubscriptionID)
}

// readPump pumps inbound frames off the connection. It is the only
// reader; when it exits the session is fully released.
func (s *session) readPump() {
	defer func() {
		s.core.unregisterSession(s)
		s.teardown()
		s.logger.Info("WebSocket readPump finished, connection closed and released")
	}()

	s.conn.SetReadLimit(s.core.cfg.Sessions.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.core.cfg.Sessions.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.core.cfg.Sessions.PongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("WebSocket read error", "error", err)
			} else {
				s.logger.Info("WebSocket connection closed", "error", err)
			}
			break
		}
		s.handleMessage(raw)
	}
}

// writePump is the single writer on the connection: frames queued by
// send, plus keepalive pings.
func (s *session) writePump() {
	pingPeriod := s.core.cfg.Sessions.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.logger.Info("WebSocket writePump finished")
	}()

	writeWait := s.core.cfg.Sessions.WriteWait
	for {
		select {
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Error("WebSocket write error", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Error("WebSocket ping write error", "error", err)
				return
			}
		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
