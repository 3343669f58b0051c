package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/drakyn/agent/backend/internal/config"
	"github.com/drakyn/agent/backend/internal/middleware"
	"github.com/drakyn/agent/backend/internal/model/chat"
	"github.com/drakyn/agent/backend/internal/model/user"
	authservice "github.com/drakyn/agent/backend/internal/service/auth"
	chatservice "github.com/drakyn/agent/backend/internal/service/chat"
	"github.com/drakyn/agent/backend/internal/service/session"
)

const me = "me@example.com"

type providerFunc func(ctx context.Context, history []chat.Message) (*schema.StreamReader[string], error)

func (f providerFunc) Stream(ctx context.Context, history []chat.Message) (*schema.StreamReader[string], error) {
	return f(ctx, history)
}

func fixedReply(fragments ...string) providerFunc {
	return func(context.Context, []chat.Message) (*schema.StreamReader[string], error) {
		return schema.StreamReaderFromArray(fragments), nil
	}
}

// stalledReply sends its fragments and then holds the stream open until cancelled.
func stalledReply(fragments ...string) providerFunc {
	return func(ctx context.Context, _ []chat.Message) (*schema.StreamReader[string], error) {
		reader, writer := schema.Pipe[string](len(fragments))
		go func() {
			defer writer.Close()
			for _, f := range fragments {
				writer.Send(f, nil)
			}
			<-ctx.Done()
		}()
		return reader, nil
	}
}

type testServer struct {
	srv      *httptest.Server
	store    *chatservice.MemoryStore
	tokens   *authservice.TokenService
	registry *session.Registry
}

func newTestServer(t *testing.T, provider session.CompletionProvider) *testServer {
	t.Helper()
	store := chatservice.NewMemoryStore()
	tokens := authservice.NewTokenService("test-secret", me)
	registry := session.NewRegistry()

	ws := NewWebSocketHandler(session.Deps{
		Authenticator: tokens,
		Store:         store,
		Provider:      provider,
		Registry:      registry,
	}, config.SessionConfig{
		AuthTimeout:    time.Second,
		PersistTimeout: time.Second,
		PingInterval:   time.Second,
		PongWait:       2 * time.Second,
		WriteWait:      time.Second,
		ReadLimit:      64 * 1024,
	}, "")

	r := chi.NewRouter()
	ws.RegisterRoutes(r)
	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.RequireAuth(tokens))
		New(store, registry).RegisterRoutes(api)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, tokens: tokens, registry: registry}
}

func (s *testServer) token(t *testing.T, email string) string {
	t.Helper()
	token, err := s.tokens.Issue(user.Identity{Email: email}, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testServer) request(t *testing.T, method, path, email string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if email != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, email))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) dial(t *testing.T, conversationID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/chat/" + conversationID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func readEvent(t *testing.T, conn *websocket.Conn) session.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev session.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func requireCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	require.Equal(t, code, closeErr.Code)
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t, fixedReply("ok"))

	resp := s.request(t, http.MethodPost, "/api/conversations", me, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ConversationID string            `json:"conversation_id"`
		Conversation   chat.Conversation `json:"conversation"`
	}
	decode(t, resp, &created)
	require.NotEmpty(t, created.ConversationID)
	require.Equal(t, chat.DefaultTitle, created.Conversation.Title)

	resp = s.request(t, http.MethodGet, "/api/conversations", me, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	decode(t, resp, &listed)
	require.Len(t, listed.Conversations, 1)

	resp = s.request(t, http.MethodPatch, "/api/conversations/"+created.ConversationID, me, map[string]string{"title": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var renamed struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	decode(t, resp, &renamed)
	require.Equal(t, "Renamed", renamed.Conversation.Title)

	_, err := s.store.Append(context.Background(), created.ConversationID, chat.RoleUser, "Hi")
	require.NoError(t, err)

	resp = s.request(t, http.MethodGet, "/api/conversations/"+created.ConversationID, me, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Messages []chat.Message `json:"messages"`
	}
	decode(t, resp, &detail)
	require.Len(t, detail.Messages, 1)
	require.Equal(t, "Hi", detail.Messages[0].Content)

	resp = s.request(t, http.MethodDelete, "/api/conversations/"+created.ConversationID, me, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/api/conversations/"+created.ConversationID, me, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversationCreateWithTitle(t *testing.T) {
	s := newTestServer(t, fixedReply())

	resp := s.request(t, http.MethodPost, "/api/conversations", me, map[string]string{"title": "Trip plans"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	decode(t, resp, &created)
	require.Equal(t, "Trip plans", created.Conversation.Title)
}

func TestConversationRoutesHideOtherUsers(t *testing.T) {
	s := newTestServer(t, fixedReply())
	conv, err := s.store.CreateConversation(context.Background(), "other@example.com", "theirs")
	require.NoError(t, err)

	// The other account is not allow-listed, so its token never validates; the
	// allow-listed user simply cannot see the conversation.
	for _, method := range []string{http.MethodGet, http.MethodPatch, http.MethodDelete} {
		resp := s.request(t, method, "/api/conversations/"+conv.ID, me, map[string]string{"title": "x"})
		require.Equal(t, http.StatusNotFound, resp.StatusCode, method)
	}

	resp := s.request(t, http.MethodGet, "/api/conversations", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationRenameRejectsBadBody(t *testing.T) {
	s := newTestServer(t, fixedReply())
	conv, err := s.store.CreateConversation(context.Background(), me, "")
	require.NoError(t, err)

	resp := s.request(t, http.MethodPatch, "/api/conversations/"+conv.ID, me, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketTurn(t *testing.T) {
	s := newTestServer(t, fixedReply("Hel", "lo"))
	conv, err := s.store.CreateConversation(context.Background(), me, "")
	require.NoError(t, err)

	conn := s.dial(t, conv.ID)
	require.NoError(t, conn.WriteJSON(map[string]string{"token": s.token(t, me)}))
	require.NoError(t, conn.WriteJSON(map[string]string{"message": "Hi"}))

	require.Equal(t, session.UserMessageEvent("Hi"), readEvent(t, conn))
	require.Equal(t, session.StartEvent(), readEvent(t, conn))
	require.Equal(t, session.ChunkEvent("Hel"), readEvent(t, conn))
	require.Equal(t, session.ChunkEvent("lo"), readEvent(t, conn))
	require.Equal(t, session.EndEvent(), readEvent(t, conn))

	msgs, err := s.store.List(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "Hi", msgs[0].Content)
	require.Equal(t, chat.RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hello", msgs[1].Content)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketInvalidTokenClosesConnection(t *testing.T) {
	s := newTestServer(t, fixedReply("never"))
	conv, err := s.store.CreateConversation(context.Background(), me, "")
	require.NoError(t, err)

	conn := s.dial(t, conv.ID)
	require.NoError(t, conn.WriteJSON(map[string]string{"token": "T"}))
	requireCloseCode(t, conn, websocket.ClosePolicyViolation)

	msgs, err := s.store.List(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestWebSocketMessageBeforeTokenClosesConnection(t *testing.T) {
	s := newTestServer(t, fixedReply("never"))
	conv, err := s.store.CreateConversation(context.Background(), me, "")
	require.NoError(t, err)

	conn := s.dial(t, conv.ID)
	require.NoError(t, conn.WriteJSON(map[string]string{"message": "Hi"}))
	requireCloseCode(t, conn, websocket.ClosePolicyViolation)
}

func TestDeleteWhileStreamingConflicts(t *testing.T) {
	s := newTestServer(t, stalledReply("Hel"))
	conv, err := s.store.CreateConversation(context.Background(), me, "")
	require.NoError(t, err)

	conn := s.dial(t, conv.ID)
	require.NoError(t, conn.WriteJSON(map[string]string{"token": s.token(t, me)}))
	require.NoError(t, conn.WriteJSON(map[string]string{"message": "Hi"}))
	require.Equal(t, session.UserMessageEvent("Hi"), readEvent(t, conn))
	require.Equal(t, session.StartEvent(), readEvent(t, conn))
	require.Equal(t, session.ChunkEvent("Hel"), readEvent(t, conn))

	resp := s.request(t, http.MethodDelete, "/api/conversations/"+conv.ID, me, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return s.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	msgs, err := s.store.List(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "Hel", msgs[1].Content)

	resp = s.request(t, http.MethodDelete, "/api/conversations/"+conv.ID, me, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeleteEvictsIdleSession(t *testing.T) {
	s := newTestServer(t, fixedReply("ok"))
	conv, err := s.store.CreateConversation(context.Background(), me, "")
	require.NoError(t, err)

	conn := s.dial(t, conv.ID)
	require.NoError(t, conn.WriteJSON(map[string]string{"token": s.token(t, me)}))
	require.Eventually(t, func() bool { return s.registry.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := s.request(t, http.MethodDelete, "/api/conversations/"+conv.ID, me, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requireCloseCode(t, conn, websocket.CloseNormalClosure)
}
