// ABOUTME: One client session: reader, writer and pinger goroutines around a WebSocket
// ABOUTME: Dispatches EVENT/REQ/CLOSE/AUTH through rate limiting, admission, validation and storage

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/filter"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/store"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// controlSlots bounds control frames waiting to be written; the reader
// blocks beyond it.
const controlSlots = 64

// Conn is one client session.
type Conn struct {
	id         string
	remoteAddr string
	relay      *Relay
	ws         *websocket.Conn
	session    *auth.Session
	out        *outQueue
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	mu   sync.RWMutex
	subs map[string]*subscription
}

func newConn(r *Relay, ws *websocket.Conn, remoteAddr string) (*Conn, error) {
	session, err := r.admission.NewSession()
	if err != nil {
		return nil, fmt.Errorf("creating admission session: %w", err)
	}
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(r.ctx)
	c := &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		relay:      r,
		ws:         ws,
		session:    session,
		out:        newOutQueue(r.opts.OutboundQueue, controlSlots),
		logger:     r.logger.With("conn_id", id, "remote_addr", remoteAddr),
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
	}
	c.state.Store(int32(StateConnecting))
	return c, nil
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// State returns the lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Session returns the connection's admission state.
func (c *Conn) Session() *auth.Session { return c.session }

// SubscriptionCount returns the number of live subscriptions.
func (c *Conn) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// serve runs the session until the transport closes. Cleanup runs on every
// exit path.
func (c *Conn) serve() {
	c.relay.hub.add(c)
	c.state.Store(int32(StateOpen))
	c.logger.Info("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	go c.pingLoop()

	defer func() {
		c.state.Store(int32(StateClosing))
		c.relay.hub.remove(c)
		c.dropSubscriptions()
		c.relay.limiter.Forget(ratelimit.ConnScope(c.id))
		c.cancel()
		c.out.close()
		<-writerDone
		c.ws.Close()
		c.state.Store(int32(StateClosed))
		c.logger.Info("client disconnected")
	}()

	if challenge := c.session.Challenge(); challenge != "" {
		if err := c.send(authFrame(challenge)); err != nil {
			return
		}
	}
	c.readLoop()
}

func (c *Conn) readLoop() {
	opts := c.relay.opts
	pongWait := 2 * opts.PingInterval

	c.ws.SetReadLimit(opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if mt != websocket.TextMessage {
			c.notice("only text frames are supported")
			continue
		}
		c.handleMessage(data)
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		data, ok := c.out.pop()
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.relay.opts.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("write failed", "error", err)
			c.abort()
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.relay.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			if c.relay.ctx.Err() != nil && c.State() == StateOpen {
				c.closeWith(websocket.CloseGoingAway, "relay shutting down")
			}
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.relay.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.abort()
				return
			}
		}
	}
}

// abort tears the transport down so the reader returns and cleanup runs.
func (c *Conn) abort() {
	c.cancel()
	c.ws.Close()
}

// closeWith sends a close frame and then aborts the connection.
func (c *Conn) closeWith(code int, text string) {
	deadline := time.Now().Add(c.relay.opts.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	c.abort()
}

func (c *Conn) send(frame []byte) error {
	return c.out.pushControl(c.ctx, frame)
}

func (c *Conn) notice(msg string) {
	_ = c.send(noticeFrame(msg))
}

func (c *Conn) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling frame", "panic", r, "stack", string(debug.Stack()))
			c.notice(Reason(PrefixError, "internal error"))
		}
	}()

	frame, err := ParseClientFrame(data)
	if err != nil {
		c.relay.metrics.Frames.WithLabelValues("malformed").Inc()
		c.notice(err.Error())
		return
	}
	c.relay.metrics.Frames.WithLabelValues(frame.Verb).Inc()

	switch frame.Verb {
	case VerbEvent:
		c.handleEvent(frame.Record)
	case VerbReq:
		c.handleReq(frame.SubID, frame.Filters)
	case VerbClose:
		c.removeSubscription(frame.SubID)
	case VerbAuth:
		c.handleAuth(frame.Record)
	}
}

// scopes returns the rate-limit scopes charged for this connection's traffic.
func (c *Conn) scopes() []string {
	scopes := []string{ratelimit.ConnScope(c.id)}
	if pk := c.session.Pubkey(); pk != "" {
		scopes = append(scopes, ratelimit.PubkeyScope(pk))
	}
	return scopes
}

func (c *Conn) countRecord(result string) {
	c.relay.metrics.Records.WithLabelValues(result).Inc()
}

func (c *Conn) handleEvent(cand *event.Candidate) {
	r := c.relay
	reply := func(accepted bool, reason string) {
		_ = c.send(okFrame(cand.ID, accepted, reason))
	}

	if err := r.limiter.Allow(ratelimit.Submit, c.scopes()...); err != nil {
		c.countRecord("rate_limited")
		reply(false, Reason(PrefixRateLimited, err.Error()))
		return
	}
	if err := r.admission.AuthorizeSubmit(c.session, cand.PubKey); err != nil {
		c.countRecord("rejected")
		reply(false, admissionReason(err))
		return
	}
	if cand.Kind == event.KindAuth {
		c.countRecord("invalid")
		reply(false, Reason(PrefixInvalid, "auth records are only accepted in AUTH frames"))
		return
	}
	if r.seen.Check(cand.ID) {
		c.countRecord("duplicate")
		reply(true, Reason(PrefixDuplicate, "already have this record"))
		return
	}

	rec, err := event.Validate(cand, r.opts.Limits)
	if err != nil {
		c.countRecord("invalid")
		reply(false, Reason(PrefixInvalid, err.Error()))
		return
	}

	result, err := r.store.Insert(c.ctx, rec)
	ephemeral := rec.Class() == event.Ephemeral
	if err != nil && !ephemeral {
		c.logger.Error("storing record", "record_id", rec.ID, "error", err)
		c.countRecord("error")
		reply(false, Reason(PrefixError, "could not store record"))
		return
	}
	r.seen.Mark(rec.ID)

	switch {
	case ephemeral:
		c.countRecord("ephemeral")
		reply(true, "")
		r.hub.Broadcast(rec, c)
	case result == store.InsertDuplicate:
		c.countRecord(result.String())
		reply(true, Reason(PrefixDuplicate, "already have this record"))
	case result.Persisted():
		c.countRecord(result.String())
		reply(true, "")
		r.hub.Broadcast(rec, c)
	default:
		c.countRecord(result.String())
		reply(true, "")
	}
	c.logger.Debug("record handled", "record_id", rec.ID, "kind", rec.Kind, "result", result)
}

func admissionReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		return Reason(PrefixAuthRequired, "authenticate to use this relay")
	case errors.Is(err, auth.ErrRestricted):
		return Reason(PrefixRestricted, err.Error())
	default:
		return Reason(PrefixBlocked, err.Error())
	}
}

func (c *Conn) handleReq(subID string, rawFilters []json.RawMessage) {
	r := c.relay
	closed := func(reason string) {
		_ = c.send(closedFrame(subID, reason))
	}

	if !ValidSubID(subID) {
		closed(Reason(PrefixInvalid, fmt.Sprintf("subscription id must be 1-%d characters", MaxSubIDLength)))
		return
	}
	if len(rawFilters) == 0 {
		closed(Reason(PrefixInvalid, "at least one filter is required"))
		return
	}
	if len(rawFilters) > r.opts.MaxFilters {
		closed(Reason(PrefixError, fmt.Sprintf("too many filters, limit is %d", r.opts.MaxFilters)))
		return
	}

	filters := make(filter.Filters, len(rawFilters))
	for i, raw := range rawFilters {
		if err := json.Unmarshal(raw, &filters[i]); err != nil {
			closed(Reason(PrefixInvalid, err.Error()))
			return
		}
	}

	if err := r.limiter.Allow(ratelimit.Subscribe, c.scopes()...); err != nil {
		closed(Reason(PrefixRateLimited, err.Error()))
		return
	}
	if err := r.admission.AuthorizeQuery(c.session); err != nil {
		closed(admissionReason(err))
		return
	}

	sub := newSubscription(subID, filters)
	if !c.addSubscription(sub) {
		closed(Reason(PrefixError, fmt.Sprintf("too many subscriptions, limit is %d", r.opts.MaxSubscriptions)))
		return
	}

	recs, err := r.store.Query(c.ctx, filters, r.opts.Query)
	if err != nil {
		c.logger.Error("querying records", "sub_id", subID, "error", err)
		c.removeSubscription(subID)
		closed(Reason(PrefixError, "could not query records"))
		return
	}

	for _, rec := range recs {
		sub.markSent(rec.ID)
		if err := c.send(eventFrame(subID, encodeRecord(rec))); err != nil {
			return
		}
	}
	if err := c.send(eoseFrame(subID)); err != nil {
		return
	}
	if dropped := sub.goLive(c.out.pushBroadcast); dropped > 0 {
		r.metrics.BroadcastDropped.Add(float64(dropped))
	}
	c.logger.Debug("subscription opened", "sub_id", subID, "filters", len(filters), "snapshot", len(recs))
}

func (c *Conn) handleAuth(cand *event.Candidate) {
	r := c.relay
	reply := func(accepted bool, reason string) {
		_ = c.send(okFrame(cand.ID, accepted, reason))
	}

	if err := r.limiter.Allow(ratelimit.Auth, ratelimit.ConnScope(c.id)); err != nil {
		reply(false, Reason(PrefixRateLimited, err.Error()))
		return
	}

	rec, err := event.Validate(cand, r.opts.Limits)
	if err != nil {
		reply(false, Reason(PrefixInvalid, err.Error()))
		return
	}

	err = r.admission.Authenticate(c.session, rec)
	switch {
	case errors.Is(err, auth.ErrNoChallenge):
		reply(false, Reason(PrefixAuthRequired, "no challenge was issued, retry with the one sent now"))
		if challenge, cerr := r.admission.Challenge(c.session); cerr == nil {
			_ = c.send(authFrame(challenge))
		}
	case err != nil:
		reply(false, Reason(PrefixAuthRequired, err.Error()))
	default:
		reply(true, "")
		c.logger.Info("client authenticated", "pubkey", rec.PubKey)
	}
}

func (c *Conn) addSubscription(sub *subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[sub.id]; !exists {
		if len(c.subs) >= c.relay.opts.MaxSubscriptions {
			return false
		}
		c.relay.metrics.Subscriptions.Inc()
	}
	c.subs[sub.id] = sub
	return true
}

func (c *Conn) removeSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[id]; ok {
		delete(c.subs, id)
		c.relay.metrics.Subscriptions.Dec()
	}
}

func (c *Conn) dropSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.relay.metrics.Subscriptions.Sub(float64(len(c.subs)))
	clear(c.subs)
}

// deliver offers a committed record to every matching subscription. It
// returns how many subscriptions matched and how many frames were dropped.
func (c *Conn) deliver(rec *event.Record, raw json.RawMessage) (matched, dropped int) {
	if c.State() != StateOpen {
		return 0, 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sub := range c.subs {
		if !sub.filters.Matches(rec) {
			continue
		}
		matched++
		dropped += sub.deliver(rec, raw, c.out.pushBroadcast)
	}
	return matched, dropped
}
