// Package moderation is the admin side of the guest list: it holds the admin
// secret for the session, loads guests and stats, debounces search, keeps
// the list live from push events and gates release and remove behind a
// second confirmation.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"slices"
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
	ErrSecretRequired = errors.New("admin secret is required")
	ErrUnauthorized   = errors.New("wrong admin secret")
	ErrSecretChanged  = errors.New("admin secret changed")
	ErrUnknownGuest   = errors.New("guest is not in the list")
	ErrRetryable      = errors.New("temporary failure, try again")
	ErrClosed         = errors.New("moderation flow closed")
)

const (
	DefaultSearchQuiet = 400 * time.Millisecond
	DefaultWindow      = 300 * time.Millisecond
	DefaultArmFor      = 4 * time.Second
)

// API is the admin part of api.Client.
type API interface {
	Guests(ctx context.Context, secret, q string) ([]types.Guest, error)
	Stats(ctx context.Context, secret string) (types.Stats, error)
	Release(ctx context.Context, secret string, guestID int64) error
	Remove(ctx context.Context, secret string, guestID int64) error
}

type Options struct {
	SearchQuiet time.Duration
	Window      time.Duration
	ArmFor      time.Duration
	Clock       clock.WithDelayedExecution
	Logger      *zap.Logger
	// OnChange receives every new view on the flow goroutine; it must not
	// block.
	OnChange func(View)
}

type Entry struct {
	types.Guest
	Row
}

type View struct {
	Authenticated bool
	Search        string // what the admin typed
	Query         string // what the last load asked for
	Entries       []Entry
	Stats         *types.Stats
	StatsErr      error
	Loading       bool
	Err           string // inline error
	Notice        string
}

type msg interface{ isMsg() }

type actionResult struct {
	out Outcome
	err error
}

type setSecret struct{ secret string }
type loadReq struct{ reply chan error }
type setSearch struct{ text string }
type searchFired struct{ q string }
type loaded struct {
	gen      uint64
	guests   []types.Guest
	err      error
	stats    *types.Stats
	statsErr error
}
type actionReq struct {
	id     int64
	action Action
	reply  chan actionResult
}
type actionDone struct {
	id     int64
	action Action
	err    error
	reply  chan actionResult
}
type armExpired struct{ gen uint64 }
type pushSignal struct{}
type windowFired struct{ gen uint64 }
type getState struct{ reply chan View }

func (setSecret) isMsg()   {}
func (loadReq) isMsg()     {}
func (setSearch) isMsg()   {}
func (searchFired) isMsg() {}
func (loaded) isMsg()      {}
func (actionReq) isMsg()   {}
func (actionDone) isMsg()  {}
func (armExpired) isMsg()  {}
func (pushSignal) isMsg()  {}
func (windowFired) isMsg() {}
func (getState) isMsg()    {}

type Flow struct {
	api      API
	clock    clock.WithDelayedExecution
	log      *zap.Logger
	window   time.Duration
	armFor   time.Duration
	onChange func(View)
	search   *debounce.Gate[string]

	inbox  chan msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	current atomic.Pointer[View]

	// loop-owned
	secret        string
	authenticated bool
	text          string
	query         string
	guests        []types.Guest
	rows          map[int64]Row
	stats         *types.Stats
	statsErr      error
	errMsg        string
	notice        string

	fetching    bool
	fetchGen    uint64
	fetchCancel context.CancelFunc
	waiters     []chan error
	queued      []chan error
	again       bool

	coal        debounce.Coalescer
	windowGen   uint64
	windowTimer clock.Timer

	armedID  int64
	armGen   uint64
	armTimer clock.Timer
}

func New(parent context.Context, a API, o Options) *Flow {
	if o.SearchQuiet <= 0 {
		o.SearchQuiet = DefaultSearchQuiet
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.ArmFor <= 0 {
		o.ArmFor = DefaultArmFor
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.OnChange == nil {
		o.OnChange = func(View) {}
	}

	ctx, cancel := context.WithCancel(parent)
	f := &Flow{
		api:      a,
		clock:    o.Clock,
		log:      logging.OrNop(o.Logger),
		window:   o.Window,
		armFor:   o.ArmFor,
		onChange: o.OnChange,
		inbox:    make(chan msg, 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		rows:     make(map[int64]Row),
	}
	f.search = debounce.NewGate(o.SearchQuiet, o.Clock, func(q string) { go f.post(searchFired{q: q}) })
	f.current.Store(&View{})

	go f.loop()
	return f
}

func (f *Flow) View() View { return *f.current.Load() }

// State asks the loop for its view, so every message sent before it has been
// handled.
func (f *Flow) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := f.send(ctx, getState{reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-f.done:
		return View{}, ErrClosed
	}
}

// SetSecret replaces the admin secret. Any change drops the list and the
// authenticated flag until the next Load.
func (f *Flow) SetSecret(secret string) { f.post(setSecret{secret: secret}) }

// SetSearch updates the visible search text; the list reloads once typing
// pauses.
func (f *Flow) SetSearch(text string) { f.post(setSearch{text: text}) }

// Load fetches the guest list for the current search, then the stats.
func (f *Flow) Load(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := f.send(ctx, loadReq{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrClosed
	}
}

// Release frees the guest's item. The first call arms the entry, a second
// call within the arm period runs the request and waits for it.
func (f *Flow) Release(ctx context.Context, guestID int64) (Outcome, error) {
	return f.act(ctx, guestID, ReleaseAction)
}

// Remove deletes the guest, with the same two-step gate as Release.
func (f *Flow) Remove(ctx context.Context, guestID int64) (Outcome, error) {
	return f.act(ctx, guestID, RemoveAction)
}

func (f *Flow) act(ctx context.Context, guestID int64, a Action) (Outcome, error) {
	reply := make(chan actionResult, 1)
	if err := f.send(ctx, actionReq{id: guestID, action: a, reply: reply}); err != nil {
		return Ignored, err
	}
	select {
	case r := <-reply:
		return r.out, r.err
	case <-ctx.Done():
		return Ignored, ctx.Err()
	case <-f.done:
		return Ignored, ErrClosed
	}
}

// HandleEvent is a stream.Options.OnEvent handler; it never blocks.
func (f *Flow) HandleEvent(m types.PushMessage) {
	if m.Type != types.PushItemsUpdate && m.Type != types.PushStatsUpdate {
		return
	}
	select {
	case f.inbox <- pushSignal{}:
	default:
		metrics.DroppedSignals.WithLabelValues("moderation").Inc()
		f.log.Warn("moderation inbox full, dropping push signal")
	}
}

// Close stops the flow, every timer it armed and the requests in flight.
func (f *Flow) Close() {
	f.cancel()
	<-f.done
}

func (f *Flow) send(ctx context.Context, m msg) error {
	select {
	case f.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrClosed
	}
}

func (f *Flow) post(m msg) {
	select {
	case f.inbox <- m:
	case <-f.ctx.Done():
	}
}

func (f *Flow) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			f.search.Stop()
			f.stopWindow()
			f.disarm()
			return
		case m := <-f.inbox:
			if f.handle(m) {
				f.publish()
			}
		}
	}
}

func (f *Flow) handle(m msg) bool {
	switch m := m.(type) {
	case setSecret:
		if m.secret == f.secret {
			return false
		}
		f.secret = m.secret
		f.signOut("")
		return true

	case loadReq:
		f.search.Stop()
		f.query = f.text
		f.load(m.reply)
		return true

	case setSearch:
		f.text = m.text
		f.search.Set(m.text)
		return true

	case searchFired:
		// Stale text, or a Load already took this query.
		if m.q != f.text || m.q == f.query {
			return false
		}
		f.query = m.q
		if f.authenticated {
			f.load(nil)
		}
		return true

	case loaded:
		return f.onLoaded(m)

	case actionReq:
		return f.startAction(m)

	case actionDone:
		f.onActionDone(m)
		return true

	case armExpired:
		if m.gen != f.armGen || f.armedID == 0 {
			return false
		}
		f.setRow(f.armedID, rowExpired)
		f.armedID = 0
		f.armTimer = nil
		return true

	case pushSignal:
		if !f.authenticated {
			return false
		}
		var a debounce.Action
		f.coal, a = f.coal.Signal()
		if a == debounce.StartWindow {
			f.armWindow()
		}
		return false

	case windowFired:
		if m.gen != f.windowGen {
			return false
		}
		f.windowTimer = nil
		var a debounce.Action
		f.coal, a = f.coal.Fire()
		if a != debounce.Run {
			return false
		}
		if f.fetching {
			f.again = true
			return false
		}
		f.launch()
		return true

	case getState:
		m.reply <- f.snapshot()
		return false
	}
	return false
}

func (f *Flow) load(reply chan error) {
	if f.secret == "" {
		f.errMsg = ErrSecretRequired.Error()
		if reply != nil {
			reply <- ErrSecretRequired
		}
		return
	}
	if f.fetching {
		f.again = true
		if reply != nil {
			f.queued = append(f.queued, reply)
		}
		return
	}
	if reply != nil {
		f.waiters = append(f.waiters, reply)
	}
	f.coal = f.coal.Begin()
	f.launch()
}

func (f *Flow) launch() {
	f.fetchGen++
	f.fetching = true
	ctx, cancel := context.WithCancel(f.ctx)
	f.fetchCancel = cancel

	gen, secret, q := f.fetchGen, f.secret, f.query
	go func() {
		defer cancel()
		res := loaded{gen: gen}
		res.guests, res.err = f.api.Guests(ctx, secret, q)
		if res.err == nil {
			st, err := f.api.Stats(ctx, secret)
			if err != nil {
				res.statsErr = err
			} else {
				res.stats = &st
			}
		}
		f.post(res)
	}()
}

func (f *Flow) onLoaded(m loaded) bool {
	if m.gen != f.fetchGen {
		return false
	}
	f.fetching = false
	f.fetchCancel = nil

	var result error
	switch {
	case m.err == nil:
		f.authenticated = true
		f.guests = m.guests
		f.pruneRows()
		f.errMsg = ""
		if m.statsErr != nil {
			f.statsErr = m.statsErr
			f.log.Info("admin stats failed", zap.Error(m.statsErr))
		} else {
			f.stats, f.statsErr = m.stats, nil
		}
	case errors.Is(m.err, api.ErrUnauthorized):
		f.signOut(ErrUnauthorized.Error())
		result = ErrUnauthorized
	default:
		f.errMsg = "could not load guests, try again"
		f.log.Info("admin list failed", zap.Error(m.err))
		result = fmt.Errorf("%w: %w", ErrRetryable, m.err)
	}
	for _, w := range f.waiters {
		w <- result
	}
	f.waiters = nil

	var a debounce.Action
	f.coal, a = f.coal.Done()
	if a == debounce.StartWindow {
		if f.authenticated {
			f.armWindow()
		} else {
			f.coal = debounce.Coalescer{}
		}
	}
	if f.again {
		f.again = false
		f.waiters, f.queued = f.queued, nil
		f.launch()
	}
	return true
}

// signOut forgets everything loaded with the previous secret. A non-empty
// reason becomes the inline error.
func (f *Flow) signOut(reason string) {
	if f.fetching {
		f.fetchCancel()
		f.fetchCancel = nil
		f.fetchGen++
		f.fetching = false
	}
	err := ErrSecretChanged
	if reason != "" {
		err = ErrUnauthorized
	}
	for _, w := range slices.Concat(f.waiters, f.queued) {
		w <- err
	}
	f.waiters, f.queued, f.again = nil, nil, false

	f.authenticated = false
	f.guests = nil
	f.stats, f.statsErr = nil, nil
	f.errMsg = reason
	f.notice = ""
	f.disarm()
	clear(f.rows)
	f.stopWindow()
	f.coal = debounce.Coalescer{}
}

func (f *Flow) startAction(m actionReq) bool {
	if f.secret == "" {
		m.reply <- actionResult{out: Ignored, err: ErrSecretRequired}
		return false
	}
	if !slices.ContainsFunc(f.guests, func(g types.Guest) bool { return g.ID == m.id }) {
		m.reply <- actionResult{out: Ignored, err: ErrUnknownGuest}
		return false
	}

	row, out := nextRow(f.rows[m.id], rowPressed, m.action)
	switch out {
	case Armed:
		if f.armedID != 0 && f.armedID != m.id {
			f.setRow(f.armedID, rowDisarmed)
		}
		f.rows[m.id] = row
		f.arm(m.id)
		f.notice = fmt.Sprintf("press %s again to confirm", m.action)
		m.reply <- actionResult{out: Armed}

	case Executed:
		f.rows[m.id] = row
		f.disarm()
		f.notice = ""
		secret, id, action := f.secret, m.id, m.action
		go func() {
			var err error
			if action == ReleaseAction {
				err = f.api.Release(f.ctx, secret, id)
			} else {
				err = f.api.Remove(f.ctx, secret, id)
			}
			f.post(actionDone{id: id, action: action, err: err, reply: m.reply})
		}()

	default:
		m.reply <- actionResult{out: Ignored}
		return false
	}
	return true
}

func (f *Flow) onActionDone(m actionDone) {
	f.setRow(m.id, rowSettled)

	var se *api.StatusError
	switch {
	case m.err == nil:
		f.errMsg = ""
		if m.action == ReleaseAction {
			f.notice = "item released"
		} else {
			f.notice = "guest removed"
		}
		f.load(nil)
		m.reply <- actionResult{out: Executed}

	case errors.Is(m.err, api.ErrUnauthorized):
		f.signOut(ErrUnauthorized.Error())
		m.reply <- actionResult{out: Executed, err: ErrUnauthorized}

	case errors.As(m.err, &se) && se.Status < 500 && se.Message != "":
		f.errMsg = se.Message
		m.reply <- actionResult{out: Executed, err: m.err}

	default:
		f.errMsg = fmt.Sprintf("could not %s, try again", m.action)
		f.log.Info("admin action failed", zap.Stringer("action", m.action), zap.Int64("guest_id", m.id), zap.Error(m.err))
		m.reply <- actionResult{out: Executed, err: fmt.Errorf("%w: %w", ErrRetryable, m.err)}
	}
}

func (f *Flow) setRow(id int64, ev rowEvent) {
	r, _ := nextRow(f.rows[id], ev, NoAction)
	if r == (Row{}) {
		delete(f.rows, id)
		return
	}
	f.rows[id] = r
}

// pruneRows drops state for guests that left the list. Busy rows stay until
// their request settles.
func (f *Flow) pruneRows() {
	for id, r := range f.rows {
		if r.Busy || slices.ContainsFunc(f.guests, func(g types.Guest) bool { return g.ID == id }) {
			continue
		}
		delete(f.rows, id)
		if id == f.armedID {
			f.disarm()
		}
	}
}

func (f *Flow) arm(id int64) {
	if f.armTimer != nil {
		f.armTimer.Stop()
	}
	f.armedID = id
	f.armGen++
	gen := f.armGen
	f.armTimer = f.clock.AfterFunc(f.armFor, func() { go f.post(armExpired{gen: gen}) })
}

// disarm cancels the arm timer. The caller resets the row.
func (f *Flow) disarm() {
	if f.armTimer != nil {
		f.armTimer.Stop()
		f.armTimer = nil
	}
	f.armedID = 0
	f.armGen++
}

func (f *Flow) armWindow() {
	f.stopWindow()
	f.windowGen++
	gen := f.windowGen
	f.windowTimer = f.clock.AfterFunc(f.window, func() { go f.post(windowFired{gen: gen}) })
}

func (f *Flow) stopWindow() {
	if f.windowTimer != nil {
		f.windowTimer.Stop()
		f.windowTimer = nil
	}
	f.windowGen++
}

func (f *Flow) snapshot() View {
	entries := make([]Entry, 0, len(f.guests))
	for _, g := range f.guests {
		entries = append(entries, Entry{Guest: g, Row: f.rows[g.ID]})
	}
	return View{
		Authenticated: f.authenticated,
		Search:        f.text,
		Query:         f.query,
		Entries:       entries,
		Stats:         f.stats,
		StatsErr:      f.statsErr,
		Loading:       f.fetching,
		Err:           f.errMsg,
		Notice:        f.notice,
	}
}

func (f *Flow) publish() {
	v := f.snapshot()
	f.current.Store(&v)
	f.onChange(v)
}
