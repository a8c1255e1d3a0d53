package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockCollab/backend/internal/auth"
	"blockCollab/backend/internal/cache"
	"blockCollab/backend/internal/collab"
	"blockCollab/backend/internal/document"
	"blockCollab/backend/internal/store"
)

const (
	alice uint64 = 1
	bob   uint64 = 2
	carol uint64 = 3
	dave  uint64 = 4
)

type testEnv struct {
	srv     *httptest.Server
	svc     *collab.InMemoryService
	hub     *Hub
	jwt     *auth.JWTValidator
	docID   string
	dialURL string
}

func newTestEnv(t *testing.T, presence cache.PresenceCache) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := collab.NewInMemoryService(store.NewMemoryStore(), nil, collab.ServiceOptions{})
	hub := NewHub(presence, time.Minute, svc.Evict)
	jwt, err := auth.NewJWTValidator("test-secret")
	require.NoError(t, err)
	m := NewManager(hub, svc, collab.NewSemaphoreControl(8), jwt, Options{SendBuffer: 256})

	r := gin.New()
	r.GET("/ws/document/:documentID", m.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	doc, err := svc.CreateDocument(ctx, alice, "notes", nil)
	require.NoError(t, err)
	require.Nil(t, svc.AddCollaborator(ctx, doc.ID, alice, bob, document.PermissionEditor, nil))
	require.Nil(t, svc.AddCollaborator(ctx, doc.ID, alice, carol, document.PermissionViewer, nil))

	return &testEnv{
		srv:     srv,
		svc:     svc,
		hub:     hub,
		jwt:     jwt,
		docID:   doc.ID,
		dialURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/document/",
	}
}

func (e *testEnv) token(t *testing.T, userID uint64) string {
	t.Helper()
	tok, err := e.jwt.Sign(userID, fmt.Sprintf("user-%d", userID), time.Hour)
	require.NoError(t, err)
	return tok
}

type client struct {
	t     *testing.T
	ws    *websocket.Conn
	token string
}

func (e *testEnv) dial(t *testing.T, userID uint64) *client {
	t.Helper()
	tok := e.token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(e.dialURL+e.docID+"?token="+tok, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, ws: conn, token: tok}
}

func (e *testEnv) dialStatus(t *testing.T, docID string, header http.Header) int {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.dialURL+docID, header)
	if conn != nil {
		conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	return resp.StatusCode
}

func (c *client) send(msgType string, body any) {
	c.sendAs(msgType, c.token, body)
}

func (c *client) sendAs(msgType, token string, body any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{"type": msgType, "access_token": token, "body": body}))
}

type inbound struct {
	Type   string              `json:"type"`
	Body   json.RawMessage     `json:"body"`
	Errors []collab.FieldError `json:"errors"`
}

// next 读下一条非 presence 消息
func (c *client) next() inbound {
	c.t.Helper()
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg inbound
		require.NoError(c.t, c.ws.ReadJSON(&msg))
		if msg.Type == TypePresence {
			continue
		}
		return msg
	}
}

func insertOp(block string, pos int, text string) map[string]any {
	return map[string]any{"type": "insert", "block": block, "position": pos, "text": text}
}

func blockText(t *testing.T, e *testEnv, key string) string {
	t.Helper()
	doc, err := e.svc.Snapshot(context.Background(), e.docID, alice)
	require.NoError(t, err)
	b, err := doc.GetBlock(key)
	require.NoError(t, err)
	return b.Text
}

func TestConnectRefusals(t *testing.T) {
	e := newTestEnv(t, nil)
	e.svc.Evict(e.docID)

	require.Equal(t, http.StatusUnauthorized, e.dialStatus(t, e.docID, nil))

	h := http.Header{}
	h.Set("Authorization", "Bearer garbage")
	require.Equal(t, http.StatusUnauthorized, e.dialStatus(t, e.docID, h))

	h.Set("Authorization", "Bearer "+e.token(t, dave))
	require.Equal(t, http.StatusForbidden, e.dialStatus(t, e.docID, h))

	h.Set("Authorization", "Bearer "+e.token(t, alice))
	require.Equal(t, http.StatusNotFound, e.dialStatus(t, "missing", h))
	require.Zero(t, e.hub.RoomSize("missing"))

	// 被拒绝的连接不会把文档留在内存里
	require.Zero(t, e.svc.OpenDocuments())
}

func TestContentBroadcastIncludesSender(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.dial(t, alice)
	b := e.dial(t, bob)

	a.send(TypeUpdateContent, map[string]any{"data": []any{insertOp("k1", 0, "hi")}})

	for _, c := range []*client{a, b} {
		msg := c.next()
		require.Equal(t, TypeUpdateContent, msg.Type)
		require.JSONEq(t, `{"data":[{"type":"insert","block":"k1","position":0,"text":"hi"}]}`, string(msg.Body))
	}
	require.Equal(t, "hi", blockText(t, e, "k1"))
}

func TestPartialFailureBroadcastsAppliedSubset(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.dial(t, alice)
	b := e.dial(t, bob)

	a.send(TypeUpdateContent, map[string]any{"data": []any{
		insertOp("k1", 0, "hello"),
		map[string]any{"type": "delete", "block": "k1", "offset": 1},
	}})

	msg := a.next()
	require.Equal(t, TypeUpdateContent, msg.Type)
	require.JSONEq(t, `{"data":[{"type":"insert","block":"k1","position":0,"text":"hello"}]}`, string(msg.Body))

	msg = a.next()
	require.Len(t, msg.Errors, 1)
	require.Equal(t, collab.CodeMalformedOperation, msg.Errors[0].Code)
	require.Equal(t, "position", msg.Errors[0].Field)
	require.NotNil(t, msg.Errors[0].Operation)
	require.Equal(t, 1, *msg.Errors[0].Operation)

	// 其他成员只看到广播
	msg = b.next()
	require.Equal(t, TypeUpdateContent, msg.Type)
	require.Empty(t, msg.Errors)
	require.Equal(t, "hello", blockText(t, e, "k1"))
}

func TestEnvelopeErrorsKeepConnectionOpen(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.dial(t, alice)

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := a.next()
	require.Equal(t, collab.CodeMalformedEnvelope, msg.Errors[0].Code)

	a.sendAs(TypeUpdateContent, "expired", map[string]any{"data": []any{insertOp("k1", 0, "x")}})
	msg = a.next()
	require.Equal(t, collab.CodeInvalidAccessToken, msg.Errors[0].Code)

	// 另一个用户的有效令牌也不行
	a.sendAs(TypeUpdateContent, e.token(t, bob), map[string]any{"data": []any{insertOp("k1", 0, "x")}})
	msg = a.next()
	require.Equal(t, collab.CodeInvalidAccessToken, msg.Errors[0].Code)

	a.send("rename_everything", map[string]any{})
	msg = a.next()
	require.Equal(t, collab.CodeUnknownMessageType, msg.Errors[0].Code)

	a.send(TypeUpdateContent, map[string]any{})
	msg = a.next()
	require.Equal(t, "data", msg.Errors[0].Field)

	a.send(TypeUpdateContent, map[string]any{"data": "insert"})
	msg = a.next()
	require.Equal(t, collab.CodeMalformedEnvelope, msg.Errors[0].Code)
	require.Equal(t, "data", msg.Errors[0].Field)

	a.send(TypeUpdateContent, nil)
	msg = a.next()
	require.Equal(t, "body", msg.Errors[0].Field)

	// 连接仍然可用
	a.send(TypeUpdateContent, map[string]any{"data": []any{insertOp("k1", 0, "ok")}})
	msg = a.next()
	require.Equal(t, TypeUpdateContent, msg.Type)
	require.Equal(t, "ok", blockText(t, e, "k1"))
}

func TestTitleAndCollaborator(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.dial(t, alice)
	b := e.dial(t, bob)

	a.send(TypeUpdateTitle, map[string]any{"title": "Roadmap"})
	for _, c := range []*client{a, b} {
		msg := c.next()
		require.Equal(t, TypeUpdateTitle, msg.Type)
		require.JSONEq(t, `{"title":"Roadmap"}`, string(msg.Body))
	}

	a.send(TypeUpdateTitle, map[string]any{})
	msg := a.next()
	require.Equal(t, "title", msg.Errors[0].Field)

	a.send(TypeAddCollaborator, map[string]any{"user": dave, "permission": int(document.PermissionEditor)})
	for _, c := range []*client{a, b} {
		msg := c.next()
		require.Equal(t, TypeAddCollaborator, msg.Type)
		var body collaboratorBody
		require.NoError(t, json.Unmarshal(msg.Body, &body))
		require.Equal(t, dave, body.User)
		require.Equal(t, document.PermissionEditor, body.Permission)
		require.Equal(t, e.docID, body.Document)
		require.Equal(t, dave, body.Collaborator.User)
		require.Equal(t, e.docID, body.Collaborator.Document)
		require.NotEmpty(t, body.Collaborator.ID)
	}

	a.send(TypeAddCollaborator, map[string]any{"user": dave, "permission": 2})
	msg = a.next()
	require.Equal(t, "user", msg.Errors[0].Field)

	a.send(TypeAddCollaborator, map[string]any{"user": "dave"})
	msg = a.next()
	require.Equal(t, collab.CodeMalformedEnvelope, msg.Errors[0].Code)

	a.send(TypeAddCollaborator, map[string]any{})
	msg = a.next()
	require.Len(t, msg.Errors, 2)

	// 新协作者可以直接连上
	d := e.dial(t, dave)
	d.send(TypeUpdateContent, map[string]any{"data": []any{insertOp("k1", 0, "d")}})
	require.Equal(t, TypeUpdateContent, d.next().Type)
}

func TestViewerCannotEdit(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.dial(t, carol)

	c.send(TypeUpdateContent, map[string]any{"data": []any{insertOp("k1", 0, "x")}})
	msg := c.next()
	require.Equal(t, collab.CodePermissionDenied, msg.Errors[0].Code)

	c.send(TypeAddCollaborator, map[string]any{"user": dave, "permission": 3})
	msg = c.next()
	require.Equal(t, collab.CodePermissionDenied, msg.Errors[0].Code)
}

func TestConcurrentSendersSeeSameOrder(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.dial(t, alice)
	b := e.dial(t, bob)
	const n = 20

	var wg sync.WaitGroup
	for tag, c := range map[string]*client{"a": a, "b": b} {
		wg.Add(1)
		go func(c *client, tag string) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				err := c.ws.WriteJSON(map[string]any{
					"type":         TypeUpdateContent,
					"access_token": c.token,
					"body":         map[string]any{"data": []any{insertOp("k1", 0, fmt.Sprintf("%s%d,", tag, i))}},
				})
				assert.NoError(t, err)
			}
		}(c, tag)
	}
	wg.Wait()

	read := func(c *client) []string {
		var seq []string
		for len(seq) < 2*n {
			msg := c.next()
			require.Equal(t, TypeUpdateContent, msg.Type)
			seq = append(seq, string(msg.Body))
		}
		return seq
	}
	seqA, seqB := read(a), read(b)
	require.Equal(t, seqA, seqB)

	// 同一发送者的消息保持发送顺序
	last := map[byte]int{'a': -1, 'b': -1}
	total := 0
	for _, body := range seqA {
		var cb struct {
			Data []struct {
				Text string `json:"text"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &cb))
		var i int
		_, err := fmt.Sscanf(cb.Data[0].Text[1:], "%d,", &i)
		require.NoError(t, err)
		tag := cb.Data[0].Text[0]
		require.Equal(t, last[tag]+1, i)
		last[tag] = i
		total += len(cb.Data[0].Text)
	}
	require.Len(t, blockText(t, e, "k1"), total)
}

func TestRoomReleasedWhenEmpty(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.dial(t, alice)
	b := e.dial(t, bob)
	require.Eventually(t, func() bool { return e.hub.RoomSize(e.docID) == 2 }, 2*time.Second, 10*time.Millisecond)

	a.send(TypeUpdateContent, map[string]any{"data": []any{insertOp("k1", 0, "kept")}})
	a.next()
	b.next()

	require.NoError(t, a.ws.Close())
	require.NoError(t, b.ws.Close())
	require.Eventually(t, func() bool { return e.hub.RoomSize(e.docID) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return e.svc.OpenDocuments() == 0 }, 2*time.Second, 10*time.Millisecond)

	// 文档被释放后重新从存储读取
	require.Equal(t, "kept", blockText(t, e, "k1"))
}

func TestPresenceBroadcast(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = rdb.Close() })
	e := newTestEnv(t, cache.NewRedisPresence(rdb))

	a := e.dial(t, alice)
	_ = e.dial(t, bob)

	// alice 先收到只有自己的 presence，再收到两人都在的
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "no presence with both members")
		require.NoError(t, a.ws.SetReadDeadline(deadline))
		var msg struct {
			Type string       `json:"type"`
			Body presenceBody `json:"body"`
		}
		require.NoError(t, a.ws.ReadJSON(&msg))
		if msg.Type != TypePresence || len(msg.Body.Members) < 2 {
			continue
		}
		require.Equal(t, e.docID, msg.Body.Document)
		require.ElementsMatch(t, []cache.PresenceMember{
			{UserID: alice, Username: "user-1"},
			{UserID: bob, Username: "user-2"},
		}, msg.Body.Members)
		break
	}
}

func TestHubSlowConsumerIsKicked(t *testing.T) {
	h := NewHub(nil, 0, nil)
	m := NewManager(h, nil, nil, nil, Options{SendBuffer: 1})
	kicked := 0
	c := newConn(nil, h, "c1", "doc", auth.Principal{UserID: alice}, m)
	c.stop = func() { kicked++ }
	h.Join("doc", c)

	require.NoError(t, h.Broadcast("doc", ServerMessage{Type: TypeUpdateTitle, Body: titleBody{Title: "a"}}))
	require.Zero(t, kicked)
	require.NoError(t, h.Broadcast("doc", ServerMessage{Type: TypeUpdateTitle, Body: titleBody{Title: "b"}}))
	require.NoError(t, h.Broadcast("doc", ServerMessage{Type: TypeUpdateTitle, Body: titleBody{Title: "c"}}))
	require.Equal(t, 1, kicked)
	require.Len(t, c.send, 1)
}

func TestHubLeaveCallsOnEmpty(t *testing.T) {
	var emptied []string
	h := NewHub(nil, 0, func(docID string) { emptied = append(emptied, docID) })
	m := NewManager(h, nil, nil, nil, Options{})
	c1 := newConn(nil, h, "c1", "doc", auth.Principal{UserID: alice}, m)
	c2 := newConn(nil, h, "c2", "doc", auth.Principal{UserID: alice}, m)
	h.Join("doc", c1)
	h.Join("doc", c2)

	h.Leave("doc", c1)
	require.Empty(t, emptied)
	require.True(t, h.hasUser("doc", alice))

	h.Leave("doc", c2)
	require.Equal(t, []string{"doc"}, emptied)
	require.False(t, h.hasUser("doc", alice))

	// 不在房间里的连接
	h.Leave("doc", c1)
	require.Len(t, emptied, 1)
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://docs.example.com"})
	r := httptest.NewRequest(http.MethodGet, "/ws/document/x", nil)
	require.True(t, check(r))
	r.Header.Set("Origin", "http://localhost:5173")
	require.True(t, check(r))
	r.Header.Set("Origin", "https://docs.example.com")
	require.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	require.False(t, check(r))
}
