package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xxuejie/go-delta-docs/auth"
	"github.com/xxuejie/go-delta-docs/docstore"
	"github.com/xxuejie/go-delta-docs/document"
	"github.com/xxuejie/go-delta-docs/notify"
	"github.com/xxuejie/go-delta-docs/protocol"
	"github.com/xxuejie/go-delta-docs/room"
)

type testEnv struct {
	server   *httptest.Server
	tokens   *auth.Tokens
	service  *docstore.Service
	registry *room.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tokens := auth.NewTokens([]byte("secret"), time.Hour)
	service := docstore.NewService(docstore.NewMemoryStore(), notify.NewLogNotifier(zerolog.Nop()), "http://app", zerolog.Nop())
	registry := room.NewRegistry(zerolog.Nop())
	g := New(registry, service, tokens, DefaultSettings(), zerolog.Nop())
	server := httptest.NewServer(g)
	t.Cleanup(func() {
		g.Close()
		server.Close()
		registry.Stop()
	})
	return &testEnv{server: server, tokens: tokens, service: service, registry: registry}
}

func (e *testEnv) token(t *testing.T, id, email string) string {
	t.Helper()
	token, err := e.tokens.Issue(&auth.User{ID: id, Username: id, Email: email})
	require.NoError(t, err)
	return token
}

type testClient struct {
	ws    *websocket.Conn
	codec protocol.Codec
}

func (e *testEnv) dial(t *testing.T, token string, subprotocols ...string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token
	dialer := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testClient{ws: ws, codec: protocol.ForSubprotocol(ws.Subprotocol())}
}

func (c *testClient) send(t *testing.T, m protocol.Message) {
	t.Helper()
	data, err := c.codec.Marshal(&m)
	require.NoError(t, err)
	require.NoError(t, c.ws.WriteMessage(c.codec.MessageType(), data))
}

func (c *testClient) next(t *testing.T) protocol.Message {
	t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := c.ws.ReadMessage()
	require.NoError(t, err, "no message, maybe there's a deadlock?")
	assert.Equal(t, c.codec.MessageType(), messageType)
	var m protocol.Message
	require.NoError(t, c.codec.Unmarshal(data, &m))
	return m
}

func (c *testClient) expectNothing(t *testing.T) {
	t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := c.ws.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message %s", data)
	}
}

func (c *testClient) join(t *testing.T, documentID string) protocol.Message {
	t.Helper()
	c.send(t, protocol.JoinDocument(documentID))
	m := c.next(t)
	require.Equal(t, protocol.EventJoined, m.Event, "%+v", m)
	return m
}

var alice = docstore.Identity{UserID: "u-alice", Email: "alice@example.com"}

func (e *testEnv) sharedDoc(t *testing.T, content string) string {
	t.Helper()
	ctx := context.Background()
	d, err := e.service.Create(ctx, alice, "Notes")
	require.NoError(t, err)
	require.NoError(t, e.service.Share(ctx, alice, d.ID, "bob@example.com"))
	if content != "" {
		_, err = e.service.Update(ctx, alice, d.ID, docstore.Patch{Content: &content})
		require.NoError(t, err)
	}
	return d.ID
}

func waitForRooms(t *testing.T, registry *room.Registry, want int) {
	t.Helper()
	assert.Eventually(t, func() bool { return registry.Len() == want }, 5*time.Second, 10*time.Millisecond)
}

func TestUnauthorizedUpgrade(t *testing.T) {
	e := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinAndRelay(t *testing.T) {
	e := newTestEnv(t)
	docID := e.sharedDoc(t, `{"ops":[{"insert":"Lorem ipsum\n"}]}`)
	a := e.dial(t, e.token(t, "u-alice", "alice@example.com"))
	b := e.dial(t, e.token(t, "u-bob", "bob@example.com"))

	joined := a.join(t, docID)
	assert.Equal(t, "Notes", joined.Title)
	assert.Equal(t, "Lorem ipsum\n", document.Text(*document.FromContent(joined.Content)))
	b.join(t, docID)

	d1 := json.RawMessage(`{"ops":[{"retain":5},{"insert":"1"}]}`)
	a.send(t, protocol.SendChanges(docID, d1))

	ack := a.next(t)
	assert.Equal(t, protocol.EventAck, ack.Event)
	assert.Equal(t, uint64(1), ack.Seq)
	assert.Nil(t, ack.Delta)

	change := b.next(t)
	assert.Equal(t, protocol.EventReceiveChanges, change.Event)
	assert.Equal(t, docID, change.DocumentID)
	assert.Equal(t, uint64(1), change.Seq)
	assert.JSONEq(t, string(d1), string(change.Delta))
	a.expectNothing(t)

	// A late joiner sees the room's working copy, not the stored content.
	c := e.dial(t, e.token(t, "u-alice", "alice@example.com"))
	late := c.join(t, docID)
	assert.Equal(t, uint64(1), late.Seq)
	assert.Equal(t, "Lorem1 ipsum\n", document.Text(*document.FromContent(late.Content)))
}

func TestJoinRefused(t *testing.T) {
	e := newTestEnv(t)
	docID := e.sharedDoc(t, "")
	eve := e.dial(t, e.token(t, "u-eve", "eve@example.com"))

	eve.send(t, protocol.JoinDocument(docID))
	m := eve.next(t)
	assert.Equal(t, protocol.EventError, m.Event)
	assert.Equal(t, protocol.CodeForbidden, m.Code)

	eve.send(t, protocol.JoinDocument("missing"))
	assert.Equal(t, protocol.CodeNotFound, eve.next(t).Code)
	assert.Equal(t, 0, e.registry.Len())
}

func TestSendBeforeJoin(t *testing.T) {
	e := newTestEnv(t)
	docID := e.sharedDoc(t, "")
	a := e.dial(t, e.token(t, "u-alice", "alice@example.com"))
	a.send(t, protocol.SendChanges(docID, json.RawMessage(`{"ops":[{"insert":"x"}]}`)))
	m := a.next(t)
	assert.Equal(t, protocol.EventError, m.Event)
	assert.Equal(t, protocol.CodeNotJoined, m.Code)
	assert.Equal(t, protocol.EventSendChanges, m.Request)
}

func TestInvalidDelta(t *testing.T) {
	e := newTestEnv(t)
	docID := e.sharedDoc(t, "")
	a := e.dial(t, e.token(t, "u-alice", "alice@example.com"))
	b := e.dial(t, e.token(t, "u-bob", "bob@example.com"))
	a.join(t, docID)
	b.join(t, docID)

	a.send(t, protocol.SendChanges(docID, json.RawMessage(`{"ops":[{"bogus":1}]}`)))
	m := a.next(t)
	assert.Equal(t, protocol.CodeInvalid, m.Code)
	assert.Equal(t, protocol.EventSendChanges, m.Request)
	b.expectNothing(t)
}

func TestJSONAndCBORShareARoom(t *testing.T) {
	e := newTestEnv(t)
	docID := e.sharedDoc(t, "")
	j := e.dial(t, e.token(t, "u-alice", "alice@example.com"), protocol.SubprotocolJSON)
	c := e.dial(t, e.token(t, "u-bob", "bob@example.com"), protocol.SubprotocolCBOR)
	require.Equal(t, protocol.SubprotocolCBOR, c.ws.Subprotocol())
	j.join(t, docID)
	c.join(t, docID)

	d1 := json.RawMessage(`{"ops":[{"insert":"from cbor","attributes":{"italic":true}}]}`)
	c.send(t, protocol.SendChanges(docID, d1))
	assert.Equal(t, protocol.EventAck, c.next(t).Event)
	assert.JSONEq(t, string(d1), string(j.next(t).Delta))

	d2 := json.RawMessage(`{"ops":[{"retain":9},{"insert":"!"}]}`)
	j.send(t, protocol.SendChanges(docID, d2))
	assert.Equal(t, protocol.EventAck, j.next(t).Event)
	got := c.next(t)
	assert.Equal(t, uint64(2), got.Seq)
	assert.Equal(t, string(d2), string(got.Delta))
}

func TestReattachLeavesPreviousRoom(t *testing.T) {
	e := newTestEnv(t)
	first := e.sharedDoc(t, "")
	second := e.sharedDoc(t, "")
	a := e.dial(t, e.token(t, "u-alice", "alice@example.com"))
	b := e.dial(t, e.token(t, "u-bob", "bob@example.com"))

	a.join(t, first)
	b.join(t, first)
	a.join(t, second)
	assert.Equal(t, 2, e.registry.Len())

	b.send(t, protocol.SendChanges(first, json.RawMessage(`{"ops":[{"insert":"x"}]}`)))
	assert.Equal(t, protocol.EventAck, b.next(t).Event)
	a.expectNothing(t)

	b.send(t, protocol.LeaveDocument(first))
	waitForRooms(t, e.registry, 1)
}

func TestResync(t *testing.T) {
	e := newTestEnv(t)
	docID := e.sharedDoc(t, "")
	a := e.dial(t, e.token(t, "u-alice", "alice@example.com"))
	a.join(t, docID)
	for i := 0; i < 3; i++ {
		a.send(t, protocol.SendChanges(docID, json.RawMessage(`{"ops":[{"insert":"x"}]}`)))
		a.next(t)
	}

	a.send(t, protocol.Resync(docID, 1))
	m := a.next(t)
	require.Equal(t, protocol.EventChanges, m.Event)
	require.Len(t, m.Changes, 2)
	assert.Equal(t, uint64(2), m.Changes[0].Seq)
	assert.Equal(t, uint64(3), m.Changes[1].Seq)

	a.send(t, protocol.Resync(docID, 9))
	m = a.next(t)
	assert.Equal(t, protocol.CodeInvalid, m.Code)
	assert.Empty(t, m.Request)
}

func TestDisconnectDetaches(t *testing.T) {
	e := newTestEnv(t)
	docID := e.sharedDoc(t, "")
	a := e.dial(t, e.token(t, "u-alice", "alice@example.com"))
	a.join(t, docID)
	assert.Equal(t, 1, e.registry.Len())

	a.ws.Close()
	waitForRooms(t, e.registry, 0)
}

func TestRecreatedRoomHasNewEpoch(t *testing.T) {
	e := newTestEnv(t)
	docID := e.sharedDoc(t, "")
	a := e.dial(t, e.token(t, "u-alice", "alice@example.com"))
	first := a.join(t, docID)
	require.NotEmpty(t, first.Epoch)

	a.send(t, protocol.SendChanges(docID, json.RawMessage(`{"ops":[{"insert":"x"}]}`)))
	ack := a.next(t)
	assert.Equal(t, first.Epoch, ack.Epoch)

	a.send(t, protocol.LeaveDocument(docID))
	waitForRooms(t, e.registry, 0)

	again := a.join(t, docID)
	assert.NotEqual(t, first.Epoch, again.Epoch)
	assert.EqualValues(t, 0, again.Seq)
}
