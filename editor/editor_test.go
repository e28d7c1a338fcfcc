package editor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxuejie/go-delta-docs/document"
	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/persist"
	"github.com/xxuejie/go-delta-docs/protocol"
	"github.com/xxuejie/go-delta-docs/relay"
	"github.com/xxuejie/go-delta-docs/server"
	"github.com/xxuejie/go-delta-docs/share"
)

const waitFor = 5 * time.Second

func newServer(t *testing.T) string {
	t.Helper()
	_, url := startServer(t, nil)
	return url
}

func startServer(t *testing.T, wrap func(http.Handler) http.Handler) (*server.Server, string) {
	t.Helper()
	config := &server.Config{
		Addr:            "127.0.0.1:0",
		JWTSecret:       "secret",
		TokenTTL:        time.Hour,
		AppURL:          "http://app",
		ShutdownTimeout: time.Second,
	}
	s, err := server.New(context.Background(), config, zerolog.Nop())
	require.NoError(t, err)
	handler := s.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts.URL
}

// gate sits in front of the server to turn away websocket upgrades for
// some tokens and to fail document updates on demand.
type gate struct {
	mux       sync.Mutex
	blocked   map[string]bool
	failSaves bool
	saved     int
}

func newGate() *gate {
	return &gate{blocked: make(map[string]bool)}
}

func (g *gate) block(token string, blocked bool) {
	g.mux.Lock()
	defer g.mux.Unlock()
	g.blocked[token] = blocked
}

func (g *gate) setFailSaves(fail bool) {
	g.mux.Lock()
	defer g.mux.Unlock()
	g.failSaves = fail
}

func (g *gate) saves() int {
	g.mux.Lock()
	defer g.mux.Unlock()
	return g.saved
}

func (g *gate) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mux.Lock()
		refuse := r.URL.Path == "/ws" && g.blocked[r.URL.Query().Get("token")]
		isSave := r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/docs/")
		failSave := isSave && g.failSaves
		if isSave && !failSave {
			g.saved++
		}
		g.mux.Unlock()
		if refuse || failSave {
			http.Error(w, `{"message":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func fastBackoff() backoff.BackOff {
	return backoff.NewConstantBackOff(20 * time.Millisecond)
}

func signUp(t *testing.T, baseURL, name string) *Client {
	t.Helper()
	c := NewClient(baseURL, NewMemorySessionStore(), zerolog.Nop())
	_, err := c.Register(context.Background(), name, name+"@example.com", "password-"+name)
	require.NoError(t, err)
	return c
}

type alerts struct {
	mux      sync.Mutex
	messages []string
}

func (a *alerts) add(message string) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.messages = append(a.messages, message)
}

func (a *alerts) list() []string {
	a.mux.Lock()
	defer a.mux.Unlock()
	return append([]string{}, a.messages...)
}

func open(t *testing.T, c *Client, documentID string, opts Options) *Editor {
	t.Helper()
	e, err := c.Open(context.Background(), documentID, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func sharedDocument(t *testing.T, owner *Client, with string) string {
	t.Helper()
	ctx := context.Background()
	d, err := owner.Create(ctx, "Plan")
	require.NoError(t, err)
	require.NoError(t, owner.Share(ctx, d.ID, with))
	return d.ID
}

func TestEditorsRelayWithoutEcho(t *testing.T) {
	url := newServer(t)
	alice := signUp(t, url, "alice")
	bob := signUp(t, url, "bob")
	id := sharedDocument(t, alice, "bob@example.com")

	a := open(t, alice, id, Options{})
	b := open(t, bob, id, Options{Subprotocol: protocol.SubprotocolCBOR})
	assert.Equal(t, "Plan", a.Title())

	require.NoError(t, a.Surface().InsertText(0, "Hello", nil))
	require.Eventually(t, func() bool { return b.Text() == "Hello" }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.Seq() == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, b.Surface().InsertText(5, " world", nil))
	require.Eventually(t, func() bool { return a.Text() == "Hello world" }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Seq() == 2 }, waitFor, 10*time.Millisecond)

	// Neither side saw its own change twice.
	assert.Equal(t, "Hello world", a.Text())
	assert.Equal(t, "Hello world", b.Text())
	assert.EqualValues(t, 2, a.Seq())
}

func TestEditorSavesContentAndTitle(t *testing.T) {
	url := newServer(t)
	alice := signUp(t, url, "alice")
	ctx := context.Background()
	d, err := alice.Create(ctx, "")
	require.NoError(t, err)

	a := open(t, alice, d.ID, Options{ContentDelay: 30 * time.Millisecond, TitleDelay: 30 * time.Millisecond})
	require.NoError(t, a.Surface().InsertText(0, "a", nil))
	require.NoError(t, a.Surface().InsertText(1, "b", nil))
	require.NoError(t, a.Surface().InsertText(2, "c", nil))
	require.NoError(t, a.SetTitle("Draft"))
	require.NoError(t, a.SetTitle("Final"))

	require.Eventually(t, func() bool {
		got, err := alice.Get(ctx, d.ID)
		return err == nil && got.Title == "Final" && document.Text(*document.FromContent(got.Content)) == "abc"
	}, waitFor, 20*time.Millisecond)

	// A new session starts from what was saved.
	a.Close()
	reopened := open(t, alice, d.ID, Options{})
	assert.Equal(t, "abc", reopened.Text())
	assert.Equal(t, "Final", reopened.Title())
}

func TestEditorSaveNow(t *testing.T) {
	url := newServer(t)
	alice := signUp(t, url, "alice")
	ctx := context.Background()
	d, err := alice.Create(ctx, "Notes")
	require.NoError(t, err)

	a := open(t, alice, d.ID, Options{ContentDelay: time.Hour})
	require.NoError(t, a.Edit(json.RawMessage(`{"ops":[{"insert":"saved"}]}`)))
	require.NoError(t, a.Save(ctx))

	got, err := alice.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ops":[{"insert":"saved"}]}`, got.Content)
}

func TestFailedSaveAlerts(t *testing.T) {
	url := newServer(t)
	alice := signUp(t, url, "alice")
	ctx := context.Background()
	d, err := alice.Create(ctx, "Gone soon")
	require.NoError(t, err)

	var got alerts
	a := open(t, alice, d.ID, Options{ContentDelay: 20 * time.Millisecond, OnAlert: got.add})
	require.NoError(t, alice.Delete(ctx, d.ID))
	require.NoError(t, a.Surface().InsertText(0, "lost", nil))

	require.Eventually(t, func() bool {
		return len(got.list()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{persist.MessageSaveFailed}, got.list())
	assert.Equal(t, "lost", a.Text())
}

func TestSaveAfterFailureRecovers(t *testing.T) {
	g := newGate()
	_, url := startServer(t, g.wrap)
	alice := signUp(t, url, "alice")
	ctx := context.Background()
	d, err := alice.Create(ctx, "Flaky")
	require.NoError(t, err)

	var got alerts
	a := open(t, alice, d.ID, Options{ContentDelay: 20 * time.Millisecond, OnAlert: got.add})
	g.setFailSaves(true)
	require.NoError(t, a.Surface().InsertText(0, "a", nil))
	require.Eventually(t, func() bool {
		return len(got.list()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{persist.MessageSaveFailed}, got.list())

	g.setFailSaves(false)
	require.NoError(t, a.Surface().InsertText(1, "b", nil))
	require.Eventually(t, func() bool { return g.saves() == 1 }, waitFor, 10*time.Millisecond)

	stored, err := alice.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "ab", document.Text(*document.FromContent(stored.Content)))

	// The failed value is not retried and nothing else is written.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, g.saves())
	assert.Len(t, got.list(), 1)
}

func TestRejoinAfterRoomWasRecreated(t *testing.T) {
	g := newGate()
	s, url := startServer(t, g.wrap)
	alice := signUp(t, url, "alice")
	bob := signUp(t, url, "bob")
	id := sharedDocument(t, alice, "bob@example.com")
	ctx := context.Background()

	a := open(t, alice, id, Options{ContentDelay: time.Hour, Backoff: fastBackoff})
	require.NoError(t, a.Surface().InsertText(0, "hello", nil))
	require.Eventually(t, func() bool { return a.Seq() == 1 }, waitFor, 10*time.Millisecond)
	require.NoError(t, a.Save(ctx))

	// Alice drops out and stays out until her room is gone and a new one
	// has moved on without her.
	session, err := alice.Session()
	require.NoError(t, err)
	g.block(session.Token, true)
	a.socket().close()
	require.Eventually(t, func() bool { return s.Registry().Len() == 0 }, waitFor, 10*time.Millisecond)

	b := open(t, bob, id, Options{})
	require.Equal(t, "hello", b.Text())
	require.NoError(t, b.Surface().InsertText(0, "X", nil))
	require.NoError(t, b.Surface().InsertText(0, "Y", nil))
	require.Eventually(t, func() bool { return b.Seq() == 2 }, waitFor, 10*time.Millisecond)

	g.block(session.Token, false)
	require.Eventually(t, func() bool { return a.Text() == "YXhello" }, waitFor, 10*time.Millisecond)
	assert.EqualValues(t, 2, a.Seq())

	// Both stay in step afterwards.
	require.NoError(t, a.Surface().InsertText(7, "!", nil))
	require.Eventually(t, func() bool { return b.Text() == "YXhello!" }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.Seq() == 3 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "YXhello!", a.Text())
}

func TestEditorShare(t *testing.T) {
	url := newServer(t)
	alice := signUp(t, url, "alice")
	bob := signUp(t, url, "bob")
	ctx := context.Background()
	d, err := alice.Create(ctx, "Shared")
	require.NoError(t, err)

	_, err = bob.Open(ctx, d.ID, Options{})
	assert.ErrorIs(t, err, errs.ErrForbidden)

	a := open(t, alice, d.ID, Options{})
	_, err = a.Share(ctx, " ")
	assert.Equal(t, share.MessageMissingEmail, errs.UserMessage(err, ""))

	result, err := a.Share(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, share.Result{Granted: true, Notified: true}, result)

	b := open(t, bob, d.ID, Options{})
	assert.Equal(t, "Shared", b.Title())

	// Only the owner shares.
	_, err = b.Share(ctx, "carol@example.com")
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

func TestRejectedSessionLogsOut(t *testing.T) {
	url := newServer(t)
	sessions := NewMemorySessionStore()
	require.NoError(t, sessions.Save(&Session{Token: "forged"}))
	c := NewClient(url, sessions, zerolog.Nop())

	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, errs.ErrAuth)
	_, err = c.Session()
	assert.ErrorIs(t, err, errs.ErrAuth)

	require.NoError(t, sessions.Save(&Session{Token: "forged"}))
	_, err = c.Open(context.Background(), "doc", Options{})
	assert.ErrorIs(t, err, errs.ErrAuth)
	_, err = c.Session()
	assert.ErrorIs(t, err, errs.ErrAuth)
}

func TestLoginRestoresSession(t *testing.T) {
	url := newServer(t)
	signUp(t, url, "alice")

	c := NewClient(url, NewMemorySessionStore(), zerolog.Nop())
	_, err := c.Login(context.Background(), "alice@example.com", "wrong")
	assert.ErrorIs(t, err, errs.ErrAuth)

	s, err := c.Login(context.Background(), "alice@example.com", "password-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Username)

	_, err = c.Create(context.Background(), "")
	require.NoError(t, err)
	docs, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, c.Logout())
	_, err = c.List(context.Background())
	assert.ErrorIs(t, err, errs.ErrAuth)
}

// offlineEditor has no socket, so the sequencing logic can be driven by
// hand.
func offlineEditor(t *testing.T) *Editor {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &Editor{
		id:      "doc",
		surface: NewSurface("doc"),
		relay:   relay.New(zerolog.Nop()),
		opts:    Options{OnAlert: func(string) {}, Backoff: func() backoff.BackOff { return &backoff.StopBackOff{} }},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		epoch:   "e1",
		pending: make(map[uint64]pendingChange),
		log:     zerolog.Nop(),
	}
}

func insertAt(index int, text string) json.RawMessage {
	if index == 0 {
		return json.RawMessage(`{"ops":[{"insert":"` + text + `"}]}`)
	}
	b, _ := json.Marshal(map[string]any{"ops": []map[string]any{{"retain": index}, {"insert": text}}})
	return b
}

func TestGapWaitsForResync(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "a"), Seq: 1}))
	assert.Equal(t, "a", e.Text())

	// 3 arrives before 2.
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(2, "c"), Seq: 3}))
	assert.Equal(t, "a", e.Text())
	assert.EqualValues(t, 1, e.Seq())
	assert.True(t, e.resyncing)

	e.handle(protocol.Changes("doc", []protocol.Change{
		{Delta: insertAt(1, "b"), Seq: 2},
		{Delta: insertAt(2, "c"), Seq: 3},
	}))
	assert.Equal(t, "abc", e.Text())
	assert.EqualValues(t, 3, e.Seq())
	assert.False(t, e.resyncing)
	assert.Empty(t, e.pending)

	// Replays of what was already applied change nothing.
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "x"), Seq: 2}))
	assert.Equal(t, "abc", e.Text())
}

func TestLateChangeFillsGap(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(1, "b"), Seq: 2}))
	assert.Equal(t, "", e.Text())
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "a"), Seq: 1}))
	assert.Equal(t, "ab", e.Text())
	assert.EqualValues(t, 2, e.Seq())
}

func TestResyncSkipsOwnChanges(t *testing.T) {
	e := offlineEditor(t)
	require.NoError(t, e.surface.ApplyDelta(insertAt(0, "mine"), relay.SourceUser))
	e.unacked = 1

	// The ack for our change lands after a gap.
	e.handle(protocol.Ack("doc", "e1", 2))
	assert.Zero(t, e.unacked)
	assert.EqualValues(t, 0, e.Seq())

	e.handle(protocol.Changes("doc", []protocol.Change{
		{Delta: insertAt(0, "x"), Seq: 1},
		{Delta: insertAt(0, "mine"), Seq: 2},
	}))
	assert.Equal(t, "xmine", e.Text())
	assert.EqualValues(t, 2, e.Seq())
}

func TestTooOldFallsBackToSnapshot(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "stale"), Seq: 1}))

	e.rejoined(protocol.Joined("doc", "T", `{"ops":[{"insert":"fresh"}]}`, "e1", 40))
	assert.True(t, e.resyncing)
	assert.Equal(t, "stale", e.Text())

	e.handle(protocol.Error("doc", protocol.CodeTooOld, "history no longer available"))
	assert.Equal(t, "fresh", e.Text())
	assert.EqualValues(t, 40, e.Seq())
	assert.False(t, e.resyncing)
}

func TestRejoinWithUnackedChangesReloads(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "a"), Seq: 1}))
	e.unacked = 1

	e.rejoined(protocol.Joined("doc", "T", `{"ops":[{"insert":"ab"}]}`, "e1", 2))
	assert.Equal(t, "ab", e.Text())
	assert.EqualValues(t, 2, e.Seq())
	assert.Zero(t, e.unacked)
}

func TestRejoinUpToDateKeepsState(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "a"), Seq: 1}))
	require.NoError(t, e.surface.ApplyDelta(insertAt(1, " local"), relay.SourceUser))

	e.rejoined(protocol.Joined("doc", "T", `{"ops":[{"insert":"a"}]}`, "e1", 1))
	assert.Equal(t, "a local", e.Text())
	assert.False(t, e.resyncing)
}

func TestRejoinNewEpochReloads(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "a"), Seq: 1}))
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(1, "c"), Seq: 3}))
	require.NotEmpty(t, e.pending)

	// Same or higher seq, but counted by a different room.
	e.rejoined(protocol.Joined("doc", "T", `{"ops":[{"insert":"xya"}]}`, "e2", 2))
	assert.Equal(t, "xya", e.Text())
	assert.EqualValues(t, 2, e.Seq())
	assert.Equal(t, "e2", e.epoch)
	assert.False(t, e.resyncing)
	assert.Empty(t, e.pending)

	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(3, "z"), Seq: 3}))
	assert.Equal(t, "xyaz", e.Text())
}

func TestRejoinSeqWentBackwardsReloads(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "abc"), Seq: 1}))
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(3, "d"), Seq: 2}))

	e.rejoined(protocol.Joined("doc", "T", `{"ops":[{"insert":"ab"}]}`, "e1", 1))
	assert.Equal(t, "ab", e.Text())
	assert.EqualValues(t, 1, e.Seq())
	assert.False(t, e.resyncing)
}

func TestAckFromOtherEpochIgnored(t *testing.T) {
	e := offlineEditor(t)
	e.unacked = 1
	e.handle(protocol.Ack("doc", "e0", 1))
	assert.Zero(t, e.unacked)
	assert.EqualValues(t, 0, e.Seq())
	assert.False(t, e.resyncing)
}

func TestRefusedChangeIsNotAwaited(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("doc", protocol.Change{Delta: insertAt(0, "a"), Seq: 1}))
	e.unacked = 1

	e.handle(protocol.Error("doc", protocol.CodeInvalid, "bad delta").Answering(protocol.EventSendChanges))
	assert.Zero(t, e.unacked)

	// Errors for anything else leave the count alone.
	e.unacked = 1
	e.handle(protocol.Error("doc", protocol.CodeInvalid, "bad resync"))
	assert.Equal(t, 1, e.unacked)
	e.unacked = 0

	// With nothing outstanding a reconnect catches up instead of reloading.
	e.rejoined(protocol.Joined("doc", "T", `{"ops":[{"insert":"ab"}]}`, "e1", 2))
	assert.True(t, e.resyncing)
	assert.Equal(t, "a", e.Text())
}

func TestOtherDocumentsIgnored(t *testing.T) {
	e := offlineEditor(t)
	e.handle(protocol.ReceiveChanges("other", protocol.Change{Delta: insertAt(0, "a"), Seq: 1}))
	assert.Equal(t, "", e.Text())
	assert.EqualValues(t, 0, e.Seq())
}

func TestBroadcastWithoutSocket(t *testing.T) {
	e := offlineEditor(t)
	_, err := e.Broadcast(context.Background(), "doc", "", insertAt(0, "a"))
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Zero(t, e.unacked)
}

func TestReconnectGivesUpWhenLoggedOut(t *testing.T) {
	e := offlineEditor(t)
	e.client = NewClient("http://127.0.0.1:1", NewMemorySessionStore(), zerolog.Nop())
	e.opts.Backoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	done := make(chan error, 1)
	go func() {
		_, err := e.reconnect()
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errs.ErrAuth)
	case <-time.After(waitFor):
		t.Fatal("reconnect kept retrying, maybe there's a deadlock?")
	}
}
