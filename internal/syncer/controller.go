// Package syncer reconciles REST-fetched notification pages with push-delivered
// events so both compose into one consistent local timeline.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bazaarlab/notisync/internal/identity"
	"github.com/bazaarlab/notisync/internal/notify"
	"github.com/bazaarlab/notisync/internal/store"
	"github.com/bazaarlab/notisync/internal/transport"
	apperrors "github.com/bazaarlab/notisync/pkg/errors"
	"github.com/bazaarlab/notisync/pkg/logger"
	"github.com/bazaarlab/notisync/pkg/metrics"
)

// State is the session connection state.
type State string

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected State = "disconnected"
	// StateConnecting covers the push dial attempt.
	StateConnecting State = "connecting"
	// StateLive means push events flow and optimistic actions confirm over REST.
	StateLive State = "live"
	// StateDegraded means the push channel is down and the session refreshes
	// over REST only until a reconnect succeeds.
	StateDegraded State = "degraded_polling"
)

// RestAPI is the slice of the REST client the controller drives.
type RestAPI interface {
	FetchPage(ctx context.Context, page, limit int) (*notify.Page, error)
	MarkRead(ctx context.Context, id string) (*notify.Record, error)
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

// PushAPI is the slice of the socket client the controller drives.
type PushAPI interface {
	Connect(ctx context.Context, userID string) error
	Disconnect() error
	Connected() bool
	OnEvent(event string, fn func(json.RawMessage)) func()
	Emit(event string, payload any) error
	SetStateHandler(fn transport.StateHandler)
}

// Options tune the session.
type Options struct {
	PageSize      int
	PollInterval  time.Duration
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	DisablePush   bool
	OnStateChange func(State)
}

func (o *Options) fillDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 2 * time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 60 * time.Second
	}
}

// Controller owns one sync session: it seeds the store from REST, applies push
// events, confirms optimistic mutations, and degrades to polling when the push
// channel is down.
type Controller struct {
	rest  RestAPI
	push  PushAPI
	store *store.Store
	user  *identity.Identity
	opts  Options

	mu           sync.Mutex
	state        State
	currentPage  int
	hasMore      bool
	unregisters  []func()
	stop         chan struct{}
	started      bool
	closed       bool
	polling      bool
	reconnecting bool
	drops        uint64

	wg  sync.WaitGroup
	log *zap.Logger
}

// New constructs a controller for the supplied session identity.
func New(rest RestAPI, push PushAPI, st *store.Store, user *identity.Identity, opts Options) (*Controller, error) {
	if rest == nil || st == nil {
		return nil, fmt.Errorf("syncer: rest client and store are required")
	}
	if user == nil || user.UserID == "" {
		return nil, fmt.Errorf("syncer: session identity is required")
	}
	opts.fillDefaults()

	return &Controller{
		rest:  rest,
		push:  push,
		store: st,
		user:  user,
		opts:  opts,
		state: StateDisconnected,
		stop:  make(chan struct{}),
		log:   logger.WithModule("syncer").With(zap.String("user_id", user.UserID)),
	}, nil
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasMore reports whether older pages remain to load.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Start seeds the store with the first REST page and brings up the push
// channel. A failed dial is non-fatal: the session continues in degraded
// polling and keeps retrying in the background.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("syncer: session already started or closed")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		// The store stays empty but the session still runs; the poll loop
		// retries the fetch.
		c.log.Warn("initial fetch failed", zap.Error(err))
	}

	if c.push == nil || c.opts.DisablePush {
		c.setState(StateDegraded)
		c.startPolling()
		return nil
	}

	c.registerPushHandlers()
	c.push.SetStateHandler(c.onPushState)

	c.setState(StateConnecting)
	before := c.dropCount()
	if err := c.push.Connect(ctx, c.user.UserID); err != nil {
		c.log.Warn("push connect failed, degrading to polling", zap.Error(err))
		c.setState(StateDegraded)
		c.startPolling()
		c.startReconnecting()
		return nil
	}

	c.setState(StateLive)
	if c.dropCount() != before || !c.push.Connected() {
		// The connection dropped before the session settled into Live; the
		// drop handler may have already run and lost the state race.
		c.setState(StateDegraded)
		c.startPolling()
		c.startReconnecting()
	}
	return nil
}

// Refresh replaces the store contents with the first page. Seed bumps the
// store generation, so any load-more still in flight is discarded when it
// completes.
func (c *Controller) Refresh(ctx context.Context) error {
	page, err := c.rest.FetchPage(ctx, 1, c.opts.PageSize)
	if err != nil {
		return err
	}

	c.store.Seed(page.Notifications, page.UnreadCount)

	c.mu.Lock()
	c.currentPage = page.Pagination.CurrentPage
	if c.currentPage < 1 {
		c.currentPage = 1
	}
	c.hasMore = page.Pagination.HasMore
	c.mu.Unlock()
	return nil
}

// LoadMore fetches the next page and merges it behind the records already
// held. A completion that arrives after an intervening Refresh (or Clear) is
// discarded by the generation check instead of reintroducing stale records.
func (c *Controller) LoadMore(ctx context.Context) error {
	c.mu.Lock()
	if !c.hasMore {
		c.mu.Unlock()
		return nil
	}
	next := c.currentPage + 1
	c.mu.Unlock()

	issuedAt := c.store.Generation()

	page, err := c.rest.FetchPage(ctx, next, c.opts.PageSize)
	if err != nil {
		return err
	}

	if c.store.Generation() != issuedAt {
		metrics.StaleResponses.Inc()
		c.log.Debug("discarding stale page fetch", zap.Int("page", next))
		return nil
	}

	c.store.AppendPage(page.Notifications)

	c.mu.Lock()
	c.currentPage = next
	c.hasMore = page.Pagination.HasMore
	c.mu.Unlock()
	return nil
}

// MarkRead applies the read transition optimistically, confirms it over REST,
// and rolls the store back if the confirmation fails. A record that vanished
// server-side is dropped locally instead of failing.
func (c *Controller) MarkRead(ctx context.Context, id string) error {
	revert, ok := c.store.MarkRead(id)
	if !ok {
		// Already read or unknown: nothing to confirm.
		return nil
	}

	if _, err := c.rest.MarkRead(ctx, id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrConflict) {
			c.store.Remove(id)
			c.log.Debug("dropped record deleted server-side", zap.String("id", id))
			return nil
		}

		revert()
		metrics.Rollbacks.WithLabelValues("mark_read").Inc()
		return err
	}

	c.emit(notify.EmitMarkRead, notify.ReadPayload{NotificationID: id})
	return nil
}

// MarkAllRead flips every unread record optimistically and rolls back exactly
// those records if the confirmation fails.
func (c *Controller) MarkAllRead(ctx context.Context) error {
	revert, flipped := c.store.MarkAllRead()
	if flipped == 0 {
		return nil
	}

	if err := c.rest.MarkAllRead(ctx); err != nil {
		revert()
		metrics.Rollbacks.WithLabelValues("mark_all_read").Inc()
		return err
	}

	c.emit(notify.EmitMarkAllRead, nil)
	return nil
}

// Delete removes a record optimistically and reinserts it if the server
// rejects the deletion. A record already gone server-side stays removed.
func (c *Controller) Delete(ctx context.Context, id string) error {
	revert, ok := c.store.Remove(id)
	if !ok {
		return nil
	}

	if err := c.rest.Delete(ctx, id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}

		revert()
		metrics.Rollbacks.WithLabelValues("delete").Inc()
		return err
	}
	return nil
}

// Close tears the session down on every exit path: push connection released,
// handlers unregistered, store cleared so no cross-user data survives.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	unregisters := c.unregisters
	c.unregisters = nil
	c.mu.Unlock()

	c.wg.Wait()

	for _, unregister := range unregisters {
		unregister()
	}

	var err error
	if c.push != nil {
		c.push.SetStateHandler(nil)
		err = multierr.Append(err, c.push.Disconnect())
	}

	c.store.Clear()
	c.setState(StateDisconnected)
	c.log.Info("session closed")
	return err
}

func (c *Controller) registerPushHandlers() {
	handlers := map[string]func(json.RawMessage){
		notify.EventNew:       c.onPushNew,
		notify.EventNewLegacy: c.onPushNew,
		notify.EventRead:      c.onPushRead,
		notify.EventReadAll:   c.onPushReadAll,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for event, fn := range handlers {
		c.unregisters = append(c.unregisters, c.push.OnEvent(event, fn))
	}
}

func (c *Controller) onPushNew(data json.RawMessage) {
	var rec notify.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		c.log.Warn("malformed new_notification payload", zap.Error(err))
		return
	}

	// Prepend wins over any page fetch in flight: a later-arriving REST copy
	// of the same record is dropped as a duplicate by id.
	if !c.store.Prepend(rec) {
		c.log.Debug("duplicate push delivery ignored", zap.String("id", rec.ID))
	}
}

func (c *Controller) onPushRead(data json.RawMessage) {
	var payload notify.ReadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.log.Warn("malformed notification_read payload", zap.Error(err))
		return
	}

	// Idempotent: self-echo of our own emit is harmless.
	c.store.MarkRead(payload.NotificationID)
}

func (c *Controller) onPushReadAll(json.RawMessage) {
	c.store.MarkAllRead()
}

// onPushState reacts to transport-level transitions. A drop is absorbed here:
// the session degrades and retries, it never crashes a surface.
func (c *Controller) onPushState(connected bool, err error) {
	if connected {
		return
	}

	c.mu.Lock()
	c.drops++
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if err != nil {
		c.log.Warn("push connection lost", zap.Error(err))
	}
	c.setState(StateDegraded)
	c.startPolling()
	c.startReconnecting()
}

// startPolling runs the degraded-mode refresh loop until the session goes
// live again or closes. At most one loop runs at a time.
func (c *Controller) startPolling() {
	c.mu.Lock()
	if c.closed || c.polling {
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.polling = false
			c.mu.Unlock()
			c.wg.Done()
		}()

		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if c.State() != StateDegraded {
					return
				}

				ctx, cancel := context.WithTimeout(context.Background(), c.opts.PollInterval)
				if err := c.Refresh(ctx); err != nil {
					c.log.Debug("degraded refresh failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// startReconnecting retries the push dial with exponential backoff. On
// success it refreshes once to cover the gap, then resumes live delivery.
func (c *Controller) startReconnecting() {
	if c.push == nil || c.opts.DisablePush {
		return
	}

	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			c.wg.Done()
		}()

		backoff := c.opts.ReconnectMin
		for {
			select {
			case <-c.stop:
				return
			case <-time.After(backoff):
			}

			if c.State() != StateDegraded {
				return
			}

			before := c.dropCount()
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReconnectMax)
			err := c.push.Connect(ctx, c.user.UserID)
			cancel()
			if err == nil {
				// Cover whatever was pushed while we were down.
				refreshCtx, cancelRefresh := context.WithTimeout(context.Background(), c.opts.ReconnectMax)
				if err := c.Refresh(refreshCtx); err != nil {
					c.log.Warn("post-reconnect refresh failed", zap.Error(err))
				}
				cancelRefresh()

				c.setState(StateLive)
				if c.dropCount() != before || !c.push.Connected() {
					// Dropped again before the session settled; keep retrying.
					c.setState(StateDegraded)
					c.startPolling()
					backoff = c.opts.ReconnectMin
					continue
				}
				c.log.Info("push connection restored")
				return
			}

			c.log.Debug("reconnect attempt failed", zap.Error(err))
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
		}
	}()
}

func (c *Controller) emit(event string, payload any) {
	if c.push == nil || !c.push.Connected() {
		return
	}
	if err := c.push.Emit(event, payload); err != nil {
		c.log.Debug("emit failed", zap.String("event", event), zap.Error(err))
	}
}

// dropCount observes how many connection drops the state handler has seen.
// Comparing it across a dial detects a drop whose degrade transition raced a
// later Live transition.
func (c *Controller) dropCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drops
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()

	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}
