package reservation

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	testclock "k8s.io/utils/clock/testing"

	"github.com/DoyleJ11/cha-panelas/internal/api"
	"github.com/DoyleJ11/cha-panelas/internal/metrics"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

var (
	panela = types.Item{ID: 1, Name: "Panela"}
	bolo   = types.Item{ID: 2, Name: "Bolo"}
	suco   = types.Item{ID: 3, Name: "Suco"}
)

// fakeAPI answers from memory. A non-nil hold channel parks the call until a
// value is sent or the channel closed.
type fakeAPI struct {
	mu         sync.Mutex
	items      []types.Item
	itemsErr   error
	itemsCalls int
	itemsHold  chan struct{}
	claimErr   error
	claimHold  chan struct{}
	claims     []int64
	rsvpHold   chan struct{}
	rsvpNames  []string
	nextID     int64
}

func wait(ctx context.Context, hold chan struct{}) error {
	if hold == nil {
		return nil
	}
	select {
	case <-hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeAPI) Items(ctx context.Context) ([]types.Item, error) {
	f.mu.Lock()
	f.itemsCalls++
	hold := f.itemsHold
	f.mu.Unlock()
	if err := wait(ctx, hold); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.items), f.itemsErr
}

func (f *fakeAPI) RSVP(ctx context.Context, name, honeypot string) (types.RSVPResponse, error) {
	f.mu.Lock()
	hold := f.rsvpHold
	f.mu.Unlock()
	if err := wait(ctx, hold); err != nil {
		return types.RSVPResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rsvpNames = append(f.rsvpNames, name)
	f.nextID++
	return types.RSVPResponse{OK: true, GuestID: f.nextID}, nil
}

func (f *fakeAPI) Claim(ctx context.Context, guestID, itemID int64) error {
	f.mu.Lock()
	hold := f.claimHold
	f.mu.Unlock()
	if err := wait(ctx, hold); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, itemID)
	return f.claimErr
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.itemsCalls
}

func (f *fakeAPI) setItems(items ...types.Item) {
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type memIDs struct {
	mu sync.Mutex
	id int64
}

func (m *memIDs) Load() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *memIDs) Save(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}

func (m *memIDs) Clear() error { return m.Save(0) }

type kindLog struct {
	mu    sync.Mutex
	kinds []ClaimKind
}

func (l *kindLog) record(v View) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.kinds); n == 0 || l.kinds[n-1] != v.Claim.Kind {
		l.kinds = append(l.kinds, v.Claim.Kind)
	}
}

func (l *kindLog) get() []ClaimKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.kinds)
}

func newTestStore(t *testing.T, f *fakeAPI, o Options) (*Store, *testclock.FakeClock) {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	o.Clock = clk
	s := New(context.Background(), f, o)
	t.Cleanup(s.Close)
	return s, clk
}

// settled waits until the loop has no fetch running.
func settled(t *testing.T, s *Store) View {
	t.Helper()
	var v View
	require.Eventually(t, func() bool {
		var err error
		v, err = s.State(context.Background())
		return err == nil && !v.Loading
	}, time.Second, 5*time.Millisecond)
	return v
}

// state round-trips through the loop so the view reflects every reply
// already received.
func state(t *testing.T, s *Store) View {
	t.Helper()
	v, err := s.State(context.Background())
	require.NoError(t, err)
	return v
}

func register(t *testing.T, s *Store, name string) int64 {
	t.Helper()
	id, err := s.Register(context.Background(), name, "")
	require.NoError(t, err)
	settled(t, s)
	return id
}

func TestRegister_RejectsBlankNameWithoutRequest(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela}}
	s, _ := newTestStore(t, f, Options{})

	_, err := s.Register(context.Background(), "   ", "")
	require.ErrorIs(t, err, ErrInvalidName)
	assert.Empty(t, f.rsvpNames)

	err = s.Claim(context.Background(), panela.ID)
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegister_LoadsItemsAndPersistsID(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela, bolo}}
	ids := &memIDs{}
	s, _ := newTestStore(t, f, Options{IDs: ids})

	id := register(t, s, "  Maria ")
	assert.Equal(t, int64(1), id)
	assert.Equal(t, []string{"Maria"}, f.rsvpNames)

	v := state(t, s)
	assert.Equal(t, int64(1), v.GuestID)
	assert.Equal(t, []types.Item{panela, bolo}, v.Items)
	saved, _ := ids.Load()
	assert.Equal(t, int64(1), saved)
}

func TestNew_ResumesSavedGuest(t *testing.T) {
	f := &fakeAPI{items: []types.Item{bolo}}
	s, _ := newTestStore(t, f, Options{IDs: &memIDs{id: 7}})

	v := settled(t, s)
	assert.Equal(t, int64(7), v.GuestID)
	assert.Equal(t, []types.Item{bolo}, v.Items)
	assert.Equal(t, 1, f.calls())
}

func TestClaim_PendingThenConfirmed(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela, bolo}, claimHold: make(chan struct{})}
	log := &kindLog{}
	s, _ := newTestStore(t, f, Options{OnChange: log.record})
	register(t, s, "Maria")

	errc := make(chan error, 1)
	go func() { errc <- s.Claim(context.Background(), panela.ID) }()

	require.Eventually(t, func() bool {
		return s.View().Claim == Claim{Kind: Pending, ItemID: panela.ID}
	}, time.Second, 5*time.Millisecond)
	// A pending claim does not hide the item yet.
	assert.Contains(t, s.View().Items, panela)

	// Only one claim at a time.
	require.ErrorIs(t, s.Claim(context.Background(), bolo.ID), ErrClaimInProgress)

	close(f.claimHold)
	require.NoError(t, <-errc)

	v := state(t, s)
	assert.Equal(t, Claim{Kind: Confirmed, ItemID: panela.ID}, v.Claim)
	assert.Equal(t, []types.Item{bolo}, v.Items)
	assert.Equal(t, "choice registered", v.Notice)
	assert.Equal(t, []ClaimKind{None, Pending, Confirmed}, log.get())

	require.ErrorIs(t, s.Claim(context.Background(), bolo.ID), ErrAlreadyClaimed)
}

func TestRefresh_NoOpOnceConfirmed(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela, bolo}}
	s, _ := newTestStore(t, f, Options{})
	register(t, s, "Maria")
	require.NoError(t, s.Claim(context.Background(), panela.ID))

	before := f.calls()
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, before, f.calls())

	// Remaining still shows what is left for everyone else.
	f.setItems(bolo)
	items, err := s.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Item{bolo}, items)
}

func TestClaim_ConflictRefreshesOnceThenSettles(t *testing.T) {
	f := &fakeAPI{
		items:    []types.Item{panela, bolo},
		claimErr: &api.StatusError{Status: http.StatusConflict, Message: "item already chosen by someone else"},
	}
	log := &kindLog{}
	s, _ := newTestStore(t, f, Options{OnChange: log.record})
	register(t, s, "Bia")
	require.Equal(t, 1, f.calls())

	// Someone else got the panela first.
	f.setItems(bolo)
	err := s.Claim(context.Background(), panela.ID)
	require.ErrorIs(t, err, ErrItemTaken)

	v := state(t, s)
	assert.Equal(t, 2, f.calls())
	assert.Equal(t, Claim{}, v.Claim)
	assert.Equal(t, []types.Item{bolo}, v.Items)
	assert.Equal(t, "item taken by someone else, list refreshed", v.Notice)
	assert.Equal(t, []ClaimKind{None, Pending, Conflicted, None}, log.get())

	// A new choice is allowed after the conflict settles.
	f.mu.Lock()
	f.claimErr = nil
	f.mu.Unlock()
	require.NoError(t, s.Claim(context.Background(), bolo.ID))
}

func TestClaim_OtherFailureIsRetryable(t *testing.T) {
	f := &fakeAPI{
		items:    []types.Item{panela},
		claimErr: &api.StatusError{Status: http.StatusInternalServerError},
	}
	s, _ := newTestStore(t, f, Options{})
	register(t, s, "Maria")

	err := s.Claim(context.Background(), panela.ID)
	require.ErrorIs(t, err, ErrRetryable)
	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Status)

	v := state(t, s)
	assert.Equal(t, Claim{}, v.Claim)
	assert.Equal(t, "could not reserve, try again", v.Notice)
	assert.Equal(t, 1, f.calls(), "a plain failure does not refresh")
}

func TestClaim_RemovedGuestIsForgotten(t *testing.T) {
	f := &fakeAPI{
		items:    []types.Item{panela},
		claimErr: &api.StatusError{Status: http.StatusNotFound, Message: "guest not found"},
	}
	ids := &memIDs{}
	s, _ := newTestStore(t, f, Options{IDs: ids})
	register(t, s, "Maria")

	err := s.Claim(context.Background(), panela.ID)
	require.ErrorIs(t, err, ErrNotRegistered)

	v := state(t, s)
	assert.Zero(t, v.GuestID)
	assert.Equal(t, Claim{}, v.Claim)
	saved, _ := ids.Load()
	assert.Zero(t, saved)
}

func TestRegister_RejectedWhileClaimPending(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela, bolo}, claimHold: make(chan struct{})}
	s, _ := newTestStore(t, f, Options{})
	register(t, s, "Maria")

	errc := make(chan error, 1)
	go func() { errc <- s.Claim(context.Background(), panela.ID) }()
	require.Eventually(t, func() bool {
		return s.View().Claim.Kind == Pending
	}, time.Second, 5*time.Millisecond)

	_, err := s.Register(context.Background(), "Caio", "")
	require.ErrorIs(t, err, ErrClaimInProgress)
	require.ErrorIs(t, s.Resume(context.Background(), 9), ErrClaimInProgress)
	assert.Equal(t, []string{"Maria"}, f.rsvpNames)

	close(f.claimHold)
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("claim never answered")
	}
	v := state(t, s)
	assert.Equal(t, int64(1), v.GuestID)
	assert.Equal(t, Claim{Kind: Confirmed, ItemID: panela.ID}, v.Claim)
}

func TestClaim_RejectedWhileRegistering(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela}}
	s, _ := newTestStore(t, f, Options{})
	register(t, s, "Maria")

	f.set(func(f *fakeAPI) { f.rsvpHold = make(chan struct{}) })
	idc := make(chan int64, 1)
	go func() {
		id, _ := s.Register(context.Background(), "Caio", "")
		idc <- id
	}()
	require.Eventually(t, func() bool {
		v, err := s.State(context.Background())
		return err == nil && v.Registering
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.Claim(context.Background(), panela.ID), ErrRegistering)

	close(f.rsvpHold)
	assert.Equal(t, int64(2), <-idc)
	settled(t, s)
	require.NoError(t, s.Claim(context.Background(), panela.ID))
}

func TestClaim_ConfirmedHidesItemFromRefreshInFlight(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela, bolo}}
	s, _ := newTestStore(t, f, Options{})
	register(t, s, "Maria")

	f.set(func(f *fakeAPI) {
		f.itemsHold = make(chan struct{})
		f.claimHold = make(chan struct{})
	})
	refreshed := make(chan error, 1)
	go func() { refreshed <- s.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return f.calls() == 2 }, time.Second, 5*time.Millisecond)

	claimed := make(chan error, 1)
	go func() { claimed <- s.Claim(context.Background(), panela.ID) }()
	require.Eventually(t, func() bool {
		return s.View().Claim.Kind == Pending
	}, time.Second, 5*time.Millisecond)

	close(f.claimHold)
	require.NoError(t, <-claimed)
	// The fetch started before the verdict and still lists the panela.
	close(f.itemsHold)
	require.NoError(t, <-refreshed)

	v := settled(t, s)
	assert.Equal(t, Claim{Kind: Confirmed, ItemID: panela.ID}, v.Claim)
	assert.Equal(t, []types.Item{bolo}, v.Items)
	assert.Equal(t, 2, f.calls())
}

func TestClaim_ConflictDuringFetchRefreshesAgain(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela, bolo}}
	log := &kindLog{}
	s, _ := newTestStore(t, f, Options{OnChange: log.record})
	register(t, s, "Bia")

	f.set(func(f *fakeAPI) {
		f.itemsHold = make(chan struct{})
		f.claimErr = &api.StatusError{Status: http.StatusConflict}
	})
	refreshed := make(chan error, 1)
	go func() { refreshed <- s.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return f.calls() == 2 }, time.Second, 5*time.Millisecond)

	claimed := make(chan error, 1)
	go func() { claimed <- s.Claim(context.Background(), panela.ID) }()
	require.Eventually(t, func() bool {
		return s.View().Claim.Kind == Conflicted
	}, time.Second, 5*time.Millisecond)

	f.setItems(bolo)
	close(f.itemsHold)
	require.NoError(t, <-refreshed)
	require.ErrorIs(t, <-claimed, ErrItemTaken)

	v := settled(t, s)
	assert.Equal(t, 3, f.calls(), "one fetch after the verdict")
	assert.Equal(t, Claim{}, v.Claim)
	assert.Equal(t, []types.Item{bolo}, v.Items)
	assert.Equal(t, []ClaimKind{None, Pending, Conflicted, None}, log.get())
}

func TestRefresh_FailureKeepsLastList(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela}}
	s, _ := newTestStore(t, f, Options{})
	register(t, s, "Maria")

	f.mu.Lock()
	f.itemsErr = errors.New("connection refused")
	f.mu.Unlock()
	err := s.Refresh(context.Background())
	require.Error(t, err)

	v := state(t, s)
	assert.Equal(t, []types.Item{panela}, v.Items)
	assert.EqualError(t, v.Err, "connection refused")
	assert.Equal(t, "could not load items", v.Notice)
}

func TestRefresh_EmptyListNotice(t *testing.T) {
	f := &fakeAPI{}
	s, _ := newTestStore(t, f, Options{})
	register(t, s, "Maria")
	assert.Equal(t, "no items available", state(t, s).Notice)
}

func TestPush_SignalsInWindowCoalesce(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela}}
	s, clk := newTestStore(t, f, Options{})
	register(t, s, "Maria")
	require.Equal(t, 1, f.calls())

	for range 5 {
		s.HandleEvent(types.PushMessage{Type: types.PushItemsUpdate})
	}
	// Other kinds are ignored.
	s.HandleEvent(types.PushMessage{Type: types.PushStatsUpdate})
	s.HandleEvent(types.PushMessage{Type: types.PushHello})
	state(t, s)
	require.True(t, clk.HasWaiters())

	clk.Step(DefaultWindow - time.Millisecond)
	state(t, s)
	assert.Equal(t, 1, f.calls())

	clk.Step(time.Millisecond)
	require.Eventually(t, func() bool { return f.calls() == 2 }, time.Second, 5*time.Millisecond)
	settled(t, s)
	assert.False(t, clk.HasWaiters())
	assert.Equal(t, 2, f.calls())
}

func TestPush_SpacedSignalsEachRefresh(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela}}
	s, clk := newTestStore(t, f, Options{})
	register(t, s, "Maria")

	for i := range 3 {
		s.HandleEvent(types.PushMessage{Type: types.PushItemsUpdate})
		state(t, s)
		clk.Step(DefaultWindow)
		want := 2 + i
		require.Eventually(t, func() bool { return f.calls() == want }, time.Second, 5*time.Millisecond)
		settled(t, s)
	}
	assert.Equal(t, 4, f.calls())
}

func TestPush_IgnoredOnceConfirmed(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela}}
	s, clk := newTestStore(t, f, Options{})
	register(t, s, "Maria")
	require.NoError(t, s.Claim(context.Background(), panela.ID))

	s.HandleEvent(types.PushMessage{Type: types.PushItemsUpdate})
	state(t, s)
	assert.False(t, clk.HasWaiters())
}

func TestPoll_RefreshesUntilConfirmed(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela, bolo, suco}}
	s, clk := newTestStore(t, f, Options{Poll: 20 * time.Second})
	register(t, s, "Maria")
	require.Equal(t, 1, f.calls())

	clk.Step(20 * time.Second)
	require.Eventually(t, func() bool { return f.calls() == 2 }, time.Second, 5*time.Millisecond)
	settled(t, s)

	require.NoError(t, s.Claim(context.Background(), suco.ID))
	state(t, s)
	assert.False(t, clk.HasWaiters())
}

func TestClose_StopsTimersAndRejectsCalls(t *testing.T) {
	f := &fakeAPI{items: []types.Item{panela}}
	s, clk := newTestStore(t, f, Options{Poll: time.Minute})
	register(t, s, "Maria")
	s.HandleEvent(types.PushMessage{Type: types.PushItemsUpdate})
	state(t, s)
	require.True(t, clk.HasWaiters())

	s.Close()
	assert.False(t, clk.HasWaiters())
	require.ErrorIs(t, s.Claim(context.Background(), panela.ID), ErrClosed)
	require.ErrorIs(t, s.Refresh(context.Background()), ErrClosed)
}

func TestNextClaim(t *testing.T) {
	tests := []struct {
		name string
		from Claim
		ev   claimEvent
		want Claim
	}{
		{"send from none", Claim{}, claimSent, Claim{Kind: Pending, ItemID: 4}},
		{"accepted", Claim{Kind: Pending, ItemID: 4}, claimAccepted, Claim{Kind: Confirmed, ItemID: 4}},
		{"rejected", Claim{Kind: Pending, ItemID: 4}, claimRejected, Claim{Kind: Conflicted, ItemID: 4}},
		{"failed", Claim{Kind: Pending, ItemID: 4}, claimFailed, Claim{}},
		{"settled", Claim{Kind: Conflicted, ItemID: 4}, claimSettled, Claim{}},
		{"send while pending", Claim{Kind: Pending, ItemID: 2}, claimSent, Claim{Kind: Pending, ItemID: 2}},
		{"confirmed is final", Claim{Kind: Confirmed, ItemID: 2}, claimFailed, Claim{Kind: Confirmed, ItemID: 2}},
		{"accept without pending", Claim{}, claimAccepted, Claim{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextClaim(tt.from, tt.ev, 4))
		})
	}
}

func TestHandleEvent_FullInboxIsCountedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := &Store{inbox: make(chan msg, 1), log: zap.New(core)}
	dropped := metrics.DroppedSignals.WithLabelValues("reservation")
	before := testutil.ToFloat64(dropped)

	s.HandleEvent(types.PushMessage{Type: types.PushItemsUpdate})
	s.HandleEvent(types.PushMessage{Type: types.PushItemsUpdate})

	assert.Len(t, s.inbox, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(dropped))
	assert.Equal(t, 1, logs.FilterMessage("reservation inbox full, dropping push signal").Len())
}
