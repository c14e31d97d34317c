package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	testclock "k8s.io/utils/clock/testing"

	"github.com/DoyleJ11/cha-panelas/internal/push"
	"github.com/DoyleJ11/cha-panelas/internal/store"
	"github.com/DoyleJ11/cha-panelas/internal/types"
)

const secret = "s3cret"

type fixture struct {
	handler http.Handler
	hub     *push.Hub
	clock   *testclock.FakePassiveClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)

	clk := testclock.NewFakePassiveClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	hub := push.NewHub(ctx)
	srv, err := New(Options{
		Store:             store.NewMemory([]string{"Panela", "Bolo", "Suco"}, clk),
		Hub:               hub,
		Clock:             clk,
		AdminPasswordHash: string(hash),
		ItemsTTL:          15 * time.Second,
	})
	require.NoError(t, err)
	return &fixture{handler: srv.Routes(), hub: hub, clock: clk}
}

func (f *fixture) do(t *testing.T, method, path string, body any, admin string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin != "" {
		req.Header.Set(adminHeader, admin)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) rsvp(t *testing.T, name string) int64 {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/rsvp", types.RSVPRequest{Name: name}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAs[types.RSVPResponse](t, rec)
	require.True(t, resp.OK)
	return resp.GuestID
}

func TestRSVP(t *testing.T) {
	f := newFixture(t)

	id := f.rsvp(t, "Maria")
	assert.EqualValues(t, 1, id)

	cases := []struct {
		name string
		body types.RSVPRequest
	}{
		{"empty name", types.RSVPRequest{Name: "  "}},
		{"duplicate name", types.RSVPRequest{Name: "maria"}},
		{"honeypot filled", types.RSVPRequest{Name: "Bot", Honeypot: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/rsvp", tc.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			res := decodeAs[types.Result](t, rec)
			assert.False(t, res.OK)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestRSVP_RateLimitedPerIP(t *testing.T) {
	f := newFixture(t)
	names := []string{"A", "B", "C", "D", "E"}
	for _, n := range names {
		f.rsvp(t, n)
	}
	rec := f.do(t, http.MethodPost, "/api/rsvp", types.RSVPRequest{Name: "F"}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// One token comes back every minute.
	f.clock.SetTime(f.clock.Now().Add(time.Minute))
	f.rsvp(t, "F")
}

func TestClaim_ConflictAndItemsCache(t *testing.T) {
	f := newFixture(t)
	ana := f.rsvp(t, "Ana")
	bia := f.rsvp(t, "Bia")

	// Warm the cache before the claim.
	items := decodeAs[[]types.Item](t, f.do(t, http.MethodGet, "/api/itens", nil, ""))
	require.Len(t, items, 3)

	rec := f.do(t, http.MethodPost, "/api/escolha", types.ClaimRequest{GuestID: ana, ItemID: 1}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/escolha", types.ClaimRequest{GuestID: bia, ItemID: 1}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/escolha", types.ClaimRequest{GuestID: ana, ItemID: 2}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/escolha", types.ClaimRequest{GuestID: 99, ItemID: 2}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	items = decodeAs[[]types.Item](t, f.do(t, http.MethodGet, "/api/itens", nil, ""))
	require.Len(t, items, 2)
	for _, it := range items {
		assert.NotEqual(t, int64(1), it.ID)
	}
}

func TestAdmin_RequiresSecret(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/convidados", "/api/admin/convidados", "/api/admin/stats"} {
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, path, nil, "").Code, path)
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, path, nil, "wrong").Code, path)
	}
	rec := f.do(t, http.MethodPost, "/api/admin/liberar", types.GuestRequest{GuestID: 1}, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_ListReleaseRemoveReset(t *testing.T) {
	f := newFixture(t)
	ana := f.rsvp(t, "Ana")
	f.clock.SetTime(f.clock.Now().Add(time.Second))
	carol := f.rsvp(t, "Carol")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/escolha", types.ClaimRequest{GuestID: ana, ItemID: 2}, "").Code)

	guests := decodeAs[[]types.Guest](t, f.do(t, http.MethodGet, "/api/admin/convidados", nil, secret))
	require.Len(t, guests, 2)
	assert.Equal(t, "Carol", guests[0].Name)
	require.NotNil(t, guests[1].Item)
	assert.Equal(t, "Bolo", *guests[1].Item)

	guests = decodeAs[[]types.Guest](t, f.do(t, http.MethodGet, "/api/admin/convidados?q=car", nil, secret))
	require.Len(t, guests, 1)

	st := decodeAs[types.Stats](t, f.do(t, http.MethodGet, "/api/admin/stats", nil, secret))
	assert.Equal(t, 2, st.TotalGuests)
	assert.Equal(t, 1, st.ItemsClaimed)
	assert.Equal(t, 33.33, st.PercentClaimed)

	rec := f.do(t, http.MethodPost, "/api/admin/liberar", types.GuestRequest{GuestID: carol}, secret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/liberar", types.GuestRequest{GuestID: ana}, secret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/admin/remover", types.GuestRequest{GuestID: carol}, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/admin/remover", types.GuestRequest{GuestID: carol}, secret)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/reset", nil, secret)
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeAs[types.Status](t, f.do(t, http.MethodGet, "/api/status", nil, ""))
	assert.Equal(t, 0, status.TotalGuests)
	assert.Len(t, status.Available, 3)
}

func recvPush(t *testing.T, ch <-chan types.PushMessage, within time.Duration) types.PushMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("push outbox closed unexpectedly")
		}
		return m
	case <-time.After(within):
		t.Fatalf("timed out waiting for push event")
		return types.PushMessage{}
	}
}

func TestMutations_PublishPushEvents(t *testing.T) {
	f := newFixture(t)
	out := make(chan types.PushMessage, 8)
	f.hub.Inbox() <- push.Join{ClientID: "watcher", Outbox: out}
	assert.Equal(t, types.PushHello, recvPush(t, out, time.Second).Type)

	ana := f.rsvp(t, "Ana")
	assert.Equal(t, types.PushStatsUpdate, recvPush(t, out, time.Second).Type)

	f.do(t, http.MethodPost, "/api/escolha", types.ClaimRequest{GuestID: ana, ItemID: 1}, "")
	assert.Equal(t, types.PushItemsUpdate, recvPush(t, out, time.Second).Type)
	assert.Equal(t, types.PushStatsUpdate, recvPush(t, out, time.Second).Type)
}

func TestStream_SSESendsHelloThenEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() types.PushMessage {
		for lines.Scan() {
			line := lines.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var m types.PushMessage
				require.NoError(t, json.Unmarshal([]byte(data), &m))
				return m
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return types.PushMessage{}
	}

	assert.Equal(t, types.PushHello, next().Type)

	rec := f.do(t, http.MethodPost, "/api/rsvp", types.RSVPRequest{Name: "Eva"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.PushStatsUpdate, next().Type)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodOptions, "/api/itens", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), adminHeader)
}
