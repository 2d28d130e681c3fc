package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bazaarlab/notisync/internal/identity"
	"github.com/bazaarlab/notisync/internal/notify"
	"github.com/bazaarlab/notisync/internal/store"
	"github.com/bazaarlab/notisync/internal/transport"
	apperrors "github.com/bazaarlab/notisync/pkg/errors"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, minutesAgo int, read bool) notify.Record {
	return notify.Record{
		ID:            id,
		RecipientType: notify.RecipientBuyer,
		Category:      notify.CategoryOrder,
		Title:         "Order update",
		Message:       "state change for " + id,
		Read:          read,
		CreatedAt:     baseTime.Add(-time.Duration(minutesAgo) * time.Minute),
		Channel:       notify.ChannelInApp,
	}
}

type fakeRest struct {
	mu          sync.Mutex
	fetchFn     func(page, limit int) (*notify.Page, error)
	markReadErr error
	markAllErr  error
	deleteErr   error
	calls       []string
}

func (f *fakeRest) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRest) FetchPage(ctx context.Context, page, limit int) (*notify.Page, error) {
	f.record("fetch")
	if f.fetchFn != nil {
		return f.fetchFn(page, limit)
	}
	return &notify.Page{Pagination: notify.Pagination{CurrentPage: page}}, nil
}

func (f *fakeRest) MarkRead(ctx context.Context, id string) (*notify.Record, error) {
	f.record("mark_read:" + id)
	if f.markReadErr != nil {
		return nil, f.markReadErr
	}
	rec := record(id, 0, true)
	return &rec, nil
}

func (f *fakeRest) MarkAllRead(ctx context.Context) error {
	f.record("mark_all_read")
	return f.markAllErr
}

func (f *fakeRest) Delete(ctx context.Context, id string) error {
	f.record("delete:" + id)
	return f.deleteErr
}

type fakePush struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	// connectHook runs once, after the next successful dial, before Connect
	// returns to the caller.
	connectHook func()
	handlers    map[string][]func(json.RawMessage)
	state       transport.StateHandler
	emitted     []string
	dials       int
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[string][]func(json.RawMessage))}
}

func (p *fakePush) Connect(ctx context.Context, userID string) error {
	p.mu.Lock()
	p.dials++
	if p.connectErr != nil {
		p.mu.Unlock()
		return p.connectErr
	}
	p.connected = true
	hook := p.connectHook
	p.connectHook = nil
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (p *fakePush) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *fakePush) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) OnEvent(event string, fn func(json.RawMessage)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], fn)
	idx := len(p.handlers[event]) - 1
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if handlers, ok := p.handlers[event]; ok && idx < len(handlers) {
			p.handlers[event] = append(handlers[:idx], handlers[idx+1:]...)
		}
	}
}

func (p *fakePush) Emit(event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitted = append(p.emitted, event)
	return nil
}

func (p *fakePush) SetStateHandler(fn transport.StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = fn
}

// fire delivers a push event to the registered handlers, as the socket read
// loop would.
func (p *fakePush) fire(t *testing.T, event string, payload any) {
	t.Helper()

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		data = raw
	}

	p.mu.Lock()
	handlers := make([]func(json.RawMessage), len(p.handlers[event]))
	copy(handlers, p.handlers[event])
	p.mu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}
}

func (p *fakePush) dropConnection(err error) {
	p.mu.Lock()
	p.connected = false
	fn := p.state
	p.mu.Unlock()
	if fn != nil {
		fn(false, err)
	}
}

func testIdentity() *identity.Identity {
	return &identity.Identity{UserID: "buyer-1", Role: "buyer"}
}

func newSession(t *testing.T, rest *fakeRest, push *fakePush, opts Options) (*Controller, *store.Store) {
	t.Helper()

	st := store.New()
	var pushAPI PushAPI
	if push != nil {
		pushAPI = push
	}
	ctrl, err := New(rest, pushAPI, st, testIdentity(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl, st
}

func TestStartSeedsStoreAndGoesLive(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("a", 1, false), record("b", 2, true)},
			Pagination:    notify.Pagination{CurrentPage: 1, TotalPages: 2, HasMore: true},
			UnreadCount:   1,
		}, nil
	}}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	require.Equal(t, StateLive, ctrl.State())
	require.Equal(t, 2, st.Len())
	require.Equal(t, 1, st.UnreadCount())
	require.True(t, ctrl.HasMore())
}

func TestStartDegradesWhenPushFails(t *testing.T) {
	rest := &fakeRest{}
	push := newFakePush()
	push.connectErr = apperrors.ErrTransport

	ctrl, _ := newSession(t, rest, push, Options{
		PollInterval: time.Hour,
		ReconnectMin: time.Hour,
	})
	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, StateDegraded, ctrl.State())
}

func TestPushNewPrepends(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("old", 30, false)},
			Pagination:    notify.Pagination{CurrentPage: 1},
			UnreadCount:   1,
		}, nil
	}}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	push.fire(t, notify.EventNew, record("fresh", 0, false))

	snap := st.Snapshot()
	require.Equal(t, "fresh", snap[0].ID)
	require.Equal(t, 2, st.UnreadCount())
}

func TestDuplicatePushDeliveryIsNoOp(t *testing.T) {
	rest := &fakeRest{}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	rec := record("x", 0, false)
	push.fire(t, notify.EventNew, rec)
	push.fire(t, notify.EventNew, rec)
	// Same record under the legacy event name is still a duplicate.
	push.fire(t, notify.EventNewLegacy, rec)

	require.Equal(t, 1, st.Len())
	require.Equal(t, 1, st.UnreadCount())
}

func TestPushWinsOverInFlightPage(t *testing.T) {
	// The push copy of record "x" lands while the load-more response carrying
	// the same record is in flight; the later-arriving REST copy must be
	// dropped as a duplicate.
	push := newFakePush()
	pushed := record("x", 5, false)

	rest := &fakeRest{}
	rest.fetchFn = func(page, limit int) (*notify.Page, error) {
		if page == 1 {
			return &notify.Page{
				Notifications: []notify.Record{record("seeded", 10, true)},
				Pagination:    notify.Pagination{CurrentPage: 1, HasMore: true},
			}, nil
		}

		// The push event arrives while this response is being produced.
		push.fire(t, notify.EventNew, pushed)
		return &notify.Page{
			Notifications: []notify.Record{pushed},
			Pagination:    notify.Pagination{CurrentPage: page},
		}, nil
	}

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	require.NoError(t, ctrl.LoadMore(context.Background()))
	require.Equal(t, 2, st.Len())
	require.Equal(t, "x", st.Snapshot()[0].ID)
	require.Equal(t, 1, st.UnreadCount())
}

func TestOptimisticMarkReadRollsBackOnFailure(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("a", 1, false)},
			Pagination:    notify.Pagination{CurrentPage: 1},
			UnreadCount:   1,
		}, nil
	}}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	rest.markReadErr = apperrors.ErrRequest
	err := ctrl.MarkRead(context.Background(), "a")
	require.ErrorIs(t, err, apperrors.ErrRequest)

	got, _ := st.Get("a")
	require.False(t, got.Read)
	require.Nil(t, got.ReadAt)
	require.Equal(t, 1, st.UnreadCount())
}

func TestMarkReadConflictDropsStaleRecord(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("gone", 1, false)},
			Pagination:    notify.Pagination{CurrentPage: 1},
		}, nil
	}}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	rest.markReadErr = apperrors.ErrNotFound
	require.NoError(t, ctrl.MarkRead(context.Background(), "gone"))

	_, exists := st.Get("gone")
	require.False(t, exists)
	require.Equal(t, 0, st.UnreadCount())
}

func TestMarkReadEmitsReceipt(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("a", 1, false)},
			Pagination:    notify.Pagination{CurrentPage: 1},
		}, nil
	}}
	push := newFakePush()

	ctrl, _ := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	require.NoError(t, ctrl.MarkRead(context.Background(), "a"))

	push.mu.Lock()
	defer push.mu.Unlock()
	require.Contains(t, push.emitted, notify.EmitMarkRead)
}

func TestMarkReadAlreadyReadSkipsNetwork(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("a", 1, true)},
			Pagination:    notify.Pagination{CurrentPage: 1},
		}, nil
	}}
	push := newFakePush()

	ctrl, _ := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	require.NoError(t, ctrl.MarkRead(context.Background(), "a"))

	rest.mu.Lock()
	defer rest.mu.Unlock()
	require.NotContains(t, rest.calls, "mark_read:a")
}

func TestMarkAllReadRollsBackOnFailure(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{
				record("a", 1, false),
				record("b", 2, false),
				record("c", 3, true),
			},
			Pagination:  notify.Pagination{CurrentPage: 1},
			UnreadCount: 2,
		}, nil
	}}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	rest.markAllErr = apperrors.ErrRequest
	require.Error(t, ctrl.MarkAllRead(context.Background()))
	require.Equal(t, 2, st.UnreadCount())

	rest.markAllErr = nil
	require.NoError(t, ctrl.MarkAllRead(context.Background()))
	require.Equal(t, 0, st.UnreadCount())
}

func TestDeleteRollsBackOnFailure(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("a", 1, false)},
			Pagination:    notify.Pagination{CurrentPage: 1},
		}, nil
	}}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	rest.deleteErr = apperrors.ErrRequest
	require.Error(t, ctrl.Delete(context.Background(), "a"))
	require.Equal(t, 1, st.Len())
	require.Equal(t, 1, st.UnreadCount())

	rest.deleteErr = apperrors.ErrNotFound
	require.NoError(t, ctrl.Delete(context.Background(), "a"))
	require.Equal(t, 0, st.Len())
}

func TestStaleLoadMoreDiscarded(t *testing.T) {
	fetchGate := make(chan struct{})
	var fetchCount int
	var mu sync.Mutex

	rest := &fakeRest{}
	rest.fetchFn = func(page, limit int) (*notify.Page, error) {
		mu.Lock()
		fetchCount++
		n := fetchCount
		mu.Unlock()

		switch n {
		case 1: // initial seed
			return &notify.Page{
				Notifications: []notify.Record{record("a", 1, false)},
				Pagination:    notify.Pagination{CurrentPage: 1, HasMore: true},
			}, nil
		case 2: // slow load-more; blocks until the refresh has completed
			<-fetchGate
			return &notify.Page{
				Notifications: []notify.Record{record("stale", 99, false)},
				Pagination:    notify.Pagination{CurrentPage: 2},
			}, nil
		default: // refresh
			return &notify.Page{
				Notifications: []notify.Record{record("b", 1, false)},
				Pagination:    notify.Pagination{CurrentPage: 1},
			}, nil
		}
	}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	loadDone := make(chan error, 1)
	go func() { loadDone <- ctrl.LoadMore(context.Background()) }()

	// Give the load-more a moment to get in flight, then refresh.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ctrl.Refresh(context.Background()))
	close(fetchGate)

	require.NoError(t, <-loadDone)

	_, exists := st.Get("stale")
	require.False(t, exists, "late load-more response must not reintroduce records")
	require.Equal(t, []string{"b"}, []string{st.Snapshot()[0].ID})
	require.Equal(t, 1, st.Len())
}

func TestRemoteReadEventApplies(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("a", 1, false), record("b", 2, false)},
			Pagination:    notify.Pagination{CurrentPage: 1},
		}, nil
	}}
	push := newFakePush()

	ctrl, st := newSession(t, rest, push, Options{})
	require.NoError(t, ctrl.Start(context.Background()))

	push.fire(t, notify.EventRead, notify.ReadPayload{NotificationID: "a"})
	require.Equal(t, 1, st.UnreadCount())

	// Duplicate receipt is harmless.
	push.fire(t, notify.EventRead, notify.ReadPayload{NotificationID: "a"})
	require.Equal(t, 1, st.UnreadCount())

	push.fire(t, notify.EventReadAll, nil)
	require.Equal(t, 0, st.UnreadCount())
}

func TestConnectionDropDegradesAndReconnects(t *testing.T) {
	rest := &fakeRest{}
	push := newFakePush()

	states := make(chan State, 8)
	ctrl, _ := newSession(t, rest, push, Options{
		PollInterval:  time.Hour,
		ReconnectMin:  10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		OnStateChange: func(s State) { states <- s },
	})
	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, StateLive, ctrl.State())

	push.dropConnection(apperrors.ErrTransport)

	deadline := time.After(3 * time.Second)
	sawDegraded := false
	for {
		select {
		case s := <-states:
			if s == StateDegraded {
				sawDegraded = true
			}
			if s == StateLive && sawDegraded {
				return
			}
		case <-deadline:
			t.Fatal("session did not recover to live")
		}
	}
}

func TestDropDuringConnectDoesNotStrandSession(t *testing.T) {
	// The connection drops after the dial succeeds but before the session
	// records the Live transition, so the degrade races the Live state. The
	// session must not settle Live on a dead channel; it has to keep retrying
	// and come back up once a dial holds.
	rest := &fakeRest{}
	push := newFakePush()
	push.connectHook = func() { push.dropConnection(apperrors.ErrTransport) }

	ctrl, _ := newSession(t, rest, push, Options{
		PollInterval: time.Hour,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	require.NoError(t, ctrl.Start(context.Background()))

	require.Eventually(t, func() bool {
		return ctrl.State() == StateLive && push.Connected()
	}, 3*time.Second, 10*time.Millisecond, "session stuck in %s with connected=%v", ctrl.State(), push.Connected())
}

func TestDegradedPollingRefreshes(t *testing.T) {
	rest := &fakeRest{}
	push := newFakePush()
	push.connectErr = apperrors.ErrTransport

	ctrl, _ := newSession(t, rest, push, Options{
		PollInterval: 20 * time.Millisecond,
		ReconnectMin: time.Hour,
	})
	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, StateDegraded, ctrl.State())

	fetches := func() int {
		rest.mu.Lock()
		defer rest.mu.Unlock()
		n := 0
		for _, call := range rest.calls {
			if call == "fetch" {
				n++
			}
		}
		return n
	}
	seeded := fetches()

	require.Eventually(t, func() bool {
		return fetches() >= seeded+3
	}, 3*time.Second, 10*time.Millisecond, "poll ticker issued no refreshes")
	require.Equal(t, StateDegraded, ctrl.State())
}

func TestCloseClearsStoreAndDisconnects(t *testing.T) {
	rest := &fakeRest{fetchFn: func(page, limit int) (*notify.Page, error) {
		return &notify.Page{
			Notifications: []notify.Record{record("a", 1, false)},
			Pagination:    notify.Pagination{CurrentPage: 1},
		}, nil
	}}
	push := newFakePush()

	st := store.New()
	ctrl, err := New(rest, push, st, testIdentity(), Options{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	require.Equal(t, 1, st.Len())

	require.NoError(t, ctrl.Close())
	require.Equal(t, 0, st.Len())
	require.Equal(t, StateDisconnected, ctrl.State())
	require.False(t, push.Connected())

	// Idempotent close.
	require.NoError(t, ctrl.Close())
}

func TestNewRejectsMissingIdentity(t *testing.T) {
	_, err := New(&fakeRest{}, nil, store.New(), nil, Options{})
	require.Error(t, err)

	_, err = New(nil, nil, store.New(), testIdentity(), Options{})
	require.Error(t, err)
}
