package core

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/relay/models"
	"github.com/strandlabs/strand/relay/proto"
	"github.com/strandlabs/strand/relay/pubsub"
	"github.com/strandlabs/strand/relay/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
)

/*
	Core is the matching and dispatch engine: it owns the session
	registry, consumes the publish transport, and routes every incoming
	event to the subscriptions whose filters accept it.

	The registry is written only on subscribe/unsubscribe/teardown and
	read on every publish, from different goroutines, so all access
	goes through the sessions lock.
*/

type Core struct {
	appCtx    context.Context
	cfg       *config.Config
	logger    *slog.Logger
	store     store.EventStore
	transport pubsub.Transport
	metrics   *Metrics

	// Recently accepted event ids, for duplicate suppression across
	// the duplicate window.
	recentIDs *ttlcache.Cache[string, struct{}]

	sessions     map[uuid.UUID]*session
	sessionsLock sync.RWMutex

	wsUpgrader websocket.Upgrader
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Config,
	eventStore store.EventStore,
	transport pubsub.Transport,
) (*Core, error) {

	recentIDs := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.Sessions.DuplicateWindow),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)

	c := &Core{
		appCtx:    ctx,
		cfg:       cfg,
		logger:    logger,
		store:     eventStore,
		transport: transport,
		metrics:   NewMetrics(),
		recentIDs: recentIDs,
		sessions:  make(map[uuid.UUID]*session),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	// The janitor starts only once the core is viable, so a failed
	// construction leaves no goroutine behind.
	events, err := transport.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	go recentIDs.Start()
	go c.fanOutLoop(events)

	return c, nil
}

func (c *Core) Metrics() *Metrics {
	return c.metrics
}

func (c *Core) Close() error {
	c.recentIDs.Stop()
	return nil
}

// ServeWS upgrades the request and hands the connection to its
// session goroutines.
func (c *Core) ServeWS(w http.ResponseWriter, r *http.Request) {
	info := proto.ClientInfoFromRequest(r)

	conn, err := c.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", "error", err, "origin", info.Origin)
		return
	}

	s := newSession(c, conn, info)
	if !c.registerSession(s) {
		c.logger.Warn("Max WebSocket connections reached, rejecting new connection",
			"max", c.cfg.Sessions.MaxConnections, "client", info.Identity)
		conn.Close()
		return
	}
	c.logger.Info("WebSocket connection established",
		"conn", s.ident(), "origin", info.Origin, "client", info.Identity)

	go s.writePump()
	go s.readPump()
}

func (c *Core) registerSession(s *session) bool {
	c.sessionsLock.Lock()
	defer c.sessionsLock.Unlock()

	if len(c.sessions) >= c.cfg.Sessions.MaxConnections {
		return false
	}
	c.sessions[s.id] = s
	c.metrics.ActiveConnections.Inc()
	return true
}

func (c *Core) unregisterSession(s *session) {
	c.sessionsLock.Lock()
	defer c.sessionsLock.Unlock()

	if _, ok := c.sessions[s.id]; !ok {
		return
	}
	delete(c.sessions, s.id)
	c.metrics.ActiveConnections.Dec()
	c.logger.Info("Session unregistered", "conn", s.ident())
}

func (c *Core) fanOutLoop(events <-chan models.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("Publish transport channel closed, fan-out loop exiting")
				return
			}
			c.fanOut(&ev)
		case <-c.appCtx.Done():
			return
		}
	}
}

// fanOut runs one transported event against every live subscription.
// The session snapshot is taken under the read lock; delivery happens
// outside it so a slow connection cannot stall subscribes.
func (c *Core) fanOut(ev *models.Event) {
	c.sessionsLock.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessionsLock.RUnlock()

	for _, s := range sessions {
		s.deliverLive(ev)
	}
}

// handlePublish runs the EVENT verb: validate, dedupe, persist,
// acknowledge, then hand the event to the transport for fan-out.
func (c *Core) handlePublish(snd sender, ev *models.Event) {
	ack := func(accepted bool, message string) {
		frame, err := proto.OKFrame(ev.ID, accepted, message)
		if err != nil {
			c.logger.Error("Could not encode OK frame", "event_id", ev.ID, "error", err)
			return
		}
		if err := snd.send(frame); err != nil {
			c.logger.Warn("Could not deliver OK frame", "conn", snd.ident(), "event_id", ev.ID, "error", err)
		}
	}

	if err := ev.Validate(); err != nil {
		ack(false, "invalid: "+err.Error())
		return
	}

	if c.recentIDs.Has(ev.ID) {
		c.metrics.DuplicateEvents.Inc()
		ack(false, "duplicate: already have this event")
		return
	}

	if err := c.store.Save(c.appCtx, ev); err != nil {
		if store.IsDuplicateEvent(err) {
			c.recentIDs.Set(ev.ID, struct{}{}, ttlcache.DefaultTTL)
			c.metrics.DuplicateEvents.Inc()
			ack(false, "duplicate: already have this event")
			return
		}
		c.logger.Error("Could not persist event", "event_id", ev.ID, "error", err)
		ack(false, "error: could not persist event")
		return
	}
	c.recentIDs.Set(ev.ID, struct{}{}, ttlcache.DefaultTTL)
	ack(true, "")

	if err := c.transport.Publish(c.appCtx, ev); err != nil {
		// The event is persisted; only live fan-out is degraded.
		c.logger.Error("Could not publish accepted event to transport", "event_id", ev.ID, "error", err)
		return
	}
	c.metrics.EventsPublished.Inc()
}
