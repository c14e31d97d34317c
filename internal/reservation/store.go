// Package reservation is the guest side of the item list: it fetches what is
// still available, holds the session's one claim and reconciles an optimistic
// claim with the server's verdict and with push notifications.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/DoyleJ11/cha-panelas/internal/api"
	"github.com/DoyleJ11/cha-panelas/internal/debounce"
	"github.com/DoyleJ11/cha-panelas/internal/logging"
	"github.com/DoyleJ11/cha-panelas/internal/metrics"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

var (
	ErrInvalidName     = errors.New("name is required")
	ErrNotRegistered   = errors.New("register before choosing an item")
	ErrClaimInProgress = errors.New("a choice is already being sent")
	ErrRegistering     = errors.New("presence confirmation in progress")
	ErrAlreadyClaimed  = errors.New("an item is already reserved for this guest")
	ErrItemTaken       = errors.New("item was taken by someone else")
	ErrRetryable       = errors.New("temporary failure, try again")
	ErrClosed          = errors.New("reservation store closed")
)

const DefaultWindow = 300 * time.Millisecond

// API is the part of api.Client the store calls.
type API interface {
	Items(ctx context.Context) ([]types.Item, error)
	RSVP(ctx context.Context, name, honeypot string) (types.RSVPResponse, error)
	Claim(ctx context.Context, guestID, itemID int64) error
}

// GuestIDs persists the server-assigned guest id between runs.
type GuestIDs interface {
	Load() (int64, error)
	Save(id int64) error
	Clear() error
}

type Options struct {
	// Window coalesces push-triggered refreshes.
	Window time.Duration
	// Poll refreshes periodically while registered and not confirmed. 0
	// disables polling.
	Poll   time.Duration
	Clock  clock.WithDelayedExecution
	Logger *zap.Logger
	IDs    GuestIDs
	// OnChange receives every new view on the store goroutine; it must not
	// block.
	OnChange func(View)
}

type View struct {
	GuestID     int64
	Claim       Claim
	Items       []types.Item
	Loading     bool
	Registering bool
	Notice      string
	Err         error // last refresh failure
}

type msg interface{ isMsg() }

type result struct {
	id  int64
	err error
}

type registerReq struct {
	name, honeypot string
	reply          chan result
}
type registered struct {
	resp  types.RSVPResponse
	err   error
	reply chan result
}
type resumeReq struct {
	id    int64
	reply chan error
}
type refreshReq struct{ reply chan error }
type fetched struct {
	gen   uint64
	items []types.Item
	err   error
}
type claimReq struct {
	itemID int64
	reply  chan error
}
type claimed struct {
	itemID int64
	err    error
}
type pushSignal struct{}
type windowFired struct{ gen uint64 }
type pollFired struct{ gen uint64 }
type getState struct{ reply chan View }

func (registerReq) isMsg() {}
func (registered) isMsg()  {}
func (resumeReq) isMsg()   {}
func (refreshReq) isMsg()  {}
func (fetched) isMsg()     {}
func (claimReq) isMsg()    {}
func (claimed) isMsg()     {}
func (pushSignal) isMsg()  {}
func (windowFired) isMsg() {}
func (pollFired) isMsg()   {}
func (getState) isMsg()    {}

type Store struct {
	api      API
	ids      GuestIDs
	clock    clock.WithDelayedExecution
	log      *zap.Logger
	window   time.Duration
	poll     time.Duration
	onChange func(View)

	inbox  chan msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	current atomic.Pointer[View]

	// loop-owned
	guestID     int64
	registering int // RSVPs in flight
	claim       Claim
	claimReply  chan error
	items       []types.Item
	notice      string
	lastErr     error

	fetching  bool
	fetchGen  uint64
	waiters   []chan error
	again     bool
	settleGen uint64

	coal        debounce.Coalescer
	windowGen   uint64
	windowTimer clock.Timer
	pollGen     uint64
	pollTimer   clock.Timer
}

// New starts the store. When opts.IDs holds a guest id the session resumes
// with it and loads the list.
func New(parent context.Context, a API, o Options) *Store {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.OnChange == nil {
		o.OnChange = func(View) {}
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		api:      a,
		ids:      o.IDs,
		clock:    o.Clock,
		log:      logging.OrNop(o.Logger),
		window:   o.Window,
		poll:     o.Poll,
		onChange: o.OnChange,
		inbox:    make(chan msg, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.current.Store(&View{})

	if s.ids != nil {
		id, err := s.ids.Load()
		switch {
		case err != nil:
			s.log.Warn("load guest id", zap.Error(err))
		case id > 0:
			s.inbox <- resumeReq{id: id}
		}
	}

	go s.loop()
	return s
}

// View returns the latest snapshot.
func (s *Store) View() View { return *s.current.Load() }

// State asks the loop for its view, so every message sent before it has been
// handled.
func (s *Store) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := s.send(ctx, getState{reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-s.done:
		return View{}, ErrClosed
	}
}

// Register validates name locally, then RSVPs. The returned guest id is kept
// and persisted. It fails with ErrClaimInProgress while a claim is waiting
// for the server.
func (s *Store) Register(ctx context.Context, name, honeypot string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrInvalidName
	}
	reply := make(chan result, 1)
	if err := s.send(ctx, registerReq{name: name, honeypot: honeypot, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrClosed
	}
}

// Resume restores a guest id saved by an earlier session. Like Register it is
// refused while a claim is unanswered.
func (s *Store) Resume(ctx context.Context, guestID int64) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, resumeReq{id: guestID, reply: reply}); err != nil {
		return err
	}
	return s.wait(ctx, reply)
}

// Refresh fetches the list. It does nothing once a claim is confirmed, and
// joins a fetch that is already running.
func (s *Store) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, refreshReq{reply: reply}); err != nil {
		return err
	}
	return s.wait(ctx, reply)
}

// Remaining fetches the current list for display without touching the
// store's state. It works in every claim state.
func (s *Store) Remaining(ctx context.Context) ([]types.Item, error) {
	return s.api.Items(ctx)
}

// Claim reserves itemID. It returns once the server accepted it, or with
// ErrItemTaken after the list was refreshed, or with an error wrapping
// ErrRetryable. A guest the server no longer knows is forgotten and the
// error wraps ErrNotRegistered.
func (s *Store) Claim(ctx context.Context, itemID int64) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, claimReq{itemID: itemID, reply: reply}); err != nil {
		return err
	}
	return s.wait(ctx, reply)
}

// HandleEvent is a stream.Options.OnEvent handler. It never blocks; a signal
// that does not fit in the inbox is dropped.
func (s *Store) HandleEvent(m types.PushMessage) {
	if m.Type != types.PushItemsUpdate {
		return
	}
	select {
	case s.inbox <- pushSignal{}:
	default:
		metrics.DroppedSignals.WithLabelValues("reservation").Inc()
		s.log.Warn("reservation inbox full, dropping push signal")
	}
}

// Close stops the store, its timers and its requests in flight.
func (s *Store) Close() {
	s.cancel()
	<-s.done
}

func (s *Store) send(ctx context.Context, m msg) error {
	select {
	case s.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Store) wait(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// post is used by helper goroutines and timers.
func (s *Store) post(m msg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.stopWindow()
			s.stopPoll()
			return
		case m := <-s.inbox:
			if s.handle(m) {
				s.publish()
			}
		}
	}
}

func (s *Store) handle(m msg) bool {
	switch m := m.(type) {
	case registerReq:
		if s.claimBusy() {
			m.reply <- result{err: ErrClaimInProgress}
			return false
		}
		s.registering++
		go func() {
			resp, err := s.api.RSVP(s.ctx, m.name, m.honeypot)
			s.post(registered{resp: resp, err: err, reply: m.reply})
		}()
		return true

	case registered:
		s.registering--
		if m.err != nil {
			m.reply <- result{err: m.err}
			return true
		}
		s.adopt(m.resp.GuestID)
		if s.ids != nil {
			if err := s.ids.Save(m.resp.GuestID); err != nil {
				s.log.Warn("save guest id", zap.Error(err))
			}
		}
		s.notice = "presence confirmed"
		m.reply <- result{id: m.resp.GuestID}
		return true

	case resumeReq:
		if s.claimBusy() {
			if m.reply != nil {
				m.reply <- ErrClaimInProgress
			}
			return false
		}
		s.adopt(m.id)
		if m.reply != nil {
			m.reply <- nil
		}
		return true

	case refreshReq:
		s.refresh(m.reply)
		return true

	case fetched:
		return s.onFetched(m)

	case claimReq:
		return s.startClaim(m)

	case claimed:
		return s.onClaimed(m)

	case pushSignal:
		if s.claim.Kind == Confirmed {
			return false
		}
		var a debounce.Action
		s.coal, a = s.coal.Signal()
		if a == debounce.StartWindow {
			s.armWindow()
		}
		return false

	case windowFired:
		if m.gen != s.windowGen {
			return false
		}
		s.windowTimer = nil
		var a debounce.Action
		s.coal, a = s.coal.Fire()
		if a != debounce.Run {
			return false
		}
		if s.fetching {
			s.again = true
			return false
		}
		s.launchFetch()
		return true

	case getState:
		m.reply <- s.snapshot()
		return false

	case pollFired:
		if m.gen != s.pollGen {
			return false
		}
		s.pollTimer = nil
		s.refresh(nil)
		s.armPoll()
		return true
	}
	return false
}

func (s *Store) claimBusy() bool {
	return s.claim.Kind == Pending || s.claim.Kind == Conflicted
}

// adopt switches the session to guestID and loads its list.
func (s *Store) adopt(guestID int64) {
	s.guestID = guestID
	s.claim = Claim{}
	s.armPoll()
	s.refresh(nil)
}

func (s *Store) refresh(reply chan error) {
	if s.claim.Kind == Confirmed {
		if reply != nil {
			reply <- nil
		}
		return
	}
	if reply != nil {
		s.waiters = append(s.waiters, reply)
	}
	if s.fetching {
		return
	}
	s.coal = s.coal.Begin()
	s.launchFetch()
}

func (s *Store) launchFetch() {
	s.fetchGen++
	s.fetching = true
	gen := s.fetchGen
	go func() {
		items, err := s.api.Items(s.ctx)
		s.post(fetched{gen: gen, items: items, err: err})
	}()
}

func (s *Store) onFetched(m fetched) bool {
	if m.gen != s.fetchGen {
		return false
	}
	s.fetching = false

	if m.err != nil {
		s.lastErr = m.err
		s.notice = "could not load items"
		s.log.Info("item refresh failed", zap.Error(m.err))
	} else {
		s.lastErr = nil
		s.items = s.withoutConfirmed(m.items)
		if len(s.items) == 0 {
			s.notice = "no items available"
		} else if s.claim.Kind != Conflicted {
			s.notice = ""
		}
	}
	for _, w := range s.waiters {
		w <- m.err
	}
	s.waiters = nil

	if s.settleGen == m.gen {
		s.settleGen = 0
		s.claim = nextClaim(s.claim, claimSettled, 0)
		s.notice = "item taken by someone else, list refreshed"
		s.reply(ErrItemTaken)
	}

	var a debounce.Action
	s.coal, a = s.coal.Done()
	if a == debounce.StartWindow {
		s.armWindow()
	}
	if s.again {
		s.again = false
		if s.claim.Kind != Confirmed || s.settleGen != 0 {
			s.launchFetch()
		}
	}
	return true
}

func (s *Store) startClaim(m claimReq) bool {
	switch {
	case s.registering > 0:
		m.reply <- ErrRegistering
		return false
	case s.guestID == 0:
		m.reply <- ErrNotRegistered
		return false
	case s.claimBusy():
		m.reply <- ErrClaimInProgress
		return false
	case s.claim.Kind == Confirmed:
		m.reply <- ErrAlreadyClaimed
		return false
	}

	s.claim = nextClaim(s.claim, claimSent, m.itemID)
	s.claimReply = m.reply
	s.notice = "sending..."

	guestID, itemID := s.guestID, m.itemID
	go func() {
		err := s.api.Claim(s.ctx, guestID, itemID)
		s.post(claimed{itemID: itemID, err: err})
	}()
	return true
}

func (s *Store) onClaimed(m claimed) bool {
	if s.claim.Kind != Pending || s.claim.ItemID != m.itemID {
		return false
	}

	switch {
	case m.err == nil:
		s.claim = nextClaim(s.claim, claimAccepted, 0)
		s.items = s.withoutConfirmed(s.items)
		s.notice = "choice registered"
		s.stopPoll()
		s.stopWindow()
		s.coal = debounce.Coalescer{}
		s.reply(nil)

	case errors.Is(m.err, api.ErrConflict):
		s.claim = nextClaim(s.claim, claimRejected, 0)
		s.notice = "item taken by someone else, refreshing list"
		// Exactly one refresh, started after the verdict so it sees the
		// winning claim.
		if s.fetching {
			s.again = true
			s.settleGen = s.fetchGen + 1
		} else {
			s.launchFetch()
			s.settleGen = s.fetchGen
		}

	case isNotFound(m.err):
		// An admin removed this guest; the saved id is useless now.
		s.claim = nextClaim(s.claim, claimFailed, 0)
		s.forget()
		s.notice = "guest not found, confirm presence again"
		s.reply(fmt.Errorf("%w: %w", ErrNotRegistered, m.err))

	default:
		s.claim = nextClaim(s.claim, claimFailed, 0)
		s.notice = "could not reserve, try again"
		s.log.Info("claim failed", zap.Int64("item_id", m.itemID), zap.Error(m.err))
		s.reply(fmt.Errorf("%w: %w", ErrRetryable, m.err))
	}
	return true
}

func isNotFound(err error) bool {
	var se *api.StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

func (s *Store) forget() {
	s.guestID = 0
	s.stopPoll()
	if s.ids != nil {
		if err := s.ids.Clear(); err != nil {
			s.log.Warn("clear guest id", zap.Error(err))
		}
	}
}

func (s *Store) reply(err error) {
	if s.claimReply != nil {
		s.claimReply <- err
		s.claimReply = nil
	}
}

func (s *Store) withoutConfirmed(items []types.Item) []types.Item {
	if s.claim.Kind != Confirmed {
		return items
	}
	id := s.claim.ItemID
	return slices.DeleteFunc(slices.Clone(items), func(it types.Item) bool { return it.ID == id })
}

func (s *Store) armWindow() {
	s.stopWindow()
	s.windowGen++
	gen := s.windowGen
	s.windowTimer = s.clock.AfterFunc(s.window, func() { go s.post(windowFired{gen: gen}) })
}

func (s *Store) stopWindow() {
	if s.windowTimer != nil {
		s.windowTimer.Stop()
		s.windowTimer = nil
	}
	s.windowGen++
}

func (s *Store) armPoll() {
	s.stopPoll()
	if s.poll <= 0 || s.guestID == 0 || s.claim.Kind == Confirmed {
		return
	}
	s.pollGen++
	gen := s.pollGen
	s.pollTimer = s.clock.AfterFunc(s.poll, func() { go s.post(pollFired{gen: gen}) })
}

func (s *Store) stopPoll() {
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.pollTimer = nil
	}
	s.pollGen++
}

func (s *Store) snapshot() View {
	return View{
		GuestID:     s.guestID,
		Claim:       s.claim,
		Items:       slices.Clone(s.items),
		Loading:     s.fetching,
		Registering: s.registering > 0,
		Notice:      s.notice,
		Err:         s.lastErr,
	}
}

func (s *Store) publish() {
	v := s.snapshot()
	s.current.Store(&v)
	s.onChange(v)
}
