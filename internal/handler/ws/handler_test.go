package ws_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/csec/ragchat/backend/internal/handler/ws"
	"github.com/csec/ragchat/backend/internal/model/account"
	"github.com/csec/ragchat/backend/internal/model/chat"
	chatservice "github.com/csec/ragchat/backend/internal/service/chat"
)

// frame is the union of all outbound frame shapes.
type frame struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	SessionID  int64  `json:"session_id"`
	Content    string `json:"content"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

type staticIdentity struct {
	acct account.Account
	ok   bool
}

func (s staticIdentity) Identify(*http.Request) (account.Account, bool) {
	return s.acct, s.ok
}

type fakeRetriever struct {
	snippets []string
	err      error
}

func (f fakeRetriever) Retrieve(context.Context, string, int) ([]string, error) {
	return f.snippets, f.err
}

// scriptedStream replays deltas, then ends with err (nil means clean EOF).
type scriptedStream struct {
	deltas []string
	err    error
	idx    int
	closed bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.idx < len(s.deltas) {
		delta := s.deltas[s.idx]
		s.idx++
		return delta, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() { s.closed = true }

type scriptedGenerator struct {
	mu      sync.Mutex
	deltas  []string
	err     error
	openErr error
	systems []string
}

func (g *scriptedGenerator) Stream(_ context.Context, systemPrompt, _ string) (ws.TokenStream, error) {
	g.mu.Lock()
	g.systems = append(g.systems, systemPrompt)
	g.mu.Unlock()

	if g.openErr != nil {
		return nil, g.openErr
	}
	return &scriptedStream{deltas: g.deltas, err: g.err}, nil
}

func (g *scriptedGenerator) lastSystem() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.systems) == 0 {
		return ""
	}
	return g.systems[len(g.systems)-1]
}

func testAccount() account.Account {
	return account.Account{ID: "user-1", Username: "alice", CreatedAt: time.Now().UTC()}
}

func newGatewayConn(t *testing.T, id ws.Identifier, store chatservice.Store, ret ws.Retriever, gen ws.Generator, cfg ws.Config) *websocket.Conn {
	t.Helper()

	handler := ws.New(id, store, ret, gen, cfg)
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	return f
}

func sendMessage(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func expectStatus(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != "status" || f.Message != "connected" {
		t.Fatalf("expected status/connected first, got %+v", f)
	}
}

func TestAnonymousConnectionClosedWithDistinctCode(t *testing.T) {
	conn := newGatewayConn(t, staticIdentity{ok: false}, chatservice.NewService(), fakeRetriever{}, &scriptedGenerator{}, ws.Config{})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close, got a frame")
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != ws.CloseUnauthorized {
		t.Fatalf("expected close code %d, got %d", ws.CloseUnauthorized, closeErr.Code)
	}
}

func TestStatusFrameSentFirst(t *testing.T) {
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, chatservice.NewService(), fakeRetriever{}, &scriptedGenerator{}, ws.Config{})
	expectStatus(t, conn)
}

func TestStreamingRelayOrderAndPersistence(t *testing.T) {
	store := chatservice.NewService()
	gen := &scriptedGenerator{deltas: []string{"Hel", "lo ", "", "there"}}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, store, fakeRetriever{}, gen, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"hi"}`)

	f := readFrame(t, conn)
	if f.Type != "session" || f.SessionID == 0 {
		t.Fatalf("expected session frame, got %+v", f)
	}
	sessionID := f.SessionID

	var got []string
	for {
		f = readFrame(t, conn)
		if f.Type == "delta" {
			got = append(got, f.Content)
			continue
		}
		break
	}
	if f.Type != "done" {
		t.Fatalf("expected done after deltas, got %+v", f)
	}

	joined := strings.Join(got, "")
	if joined != "Hello there" {
		t.Fatalf("unexpected relayed content: %q", joined)
	}
	for i, want := range []string{"Hel", "lo ", "there"} {
		if got[i] != want {
			t.Fatalf("delta %d out of order: got %q want %q", i, got[i], want)
		}
	}

	history, err := store.RecentMessages(context.Background(), sessionID, "", 10)
	if err != nil {
		t.Fatalf("RecentMessages err: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected user+assistant persisted, got %d messages", len(history))
	}
	if history[1].Role != chat.RoleAssistant || history[1].Content != joined {
		t.Fatalf("persisted assistant turn mismatch: %+v", history[1])
	}
}

func TestSessionContinuityAndHistoryWindow(t *testing.T) {
	store := chatservice.NewService()
	gen := &scriptedGenerator{deltas: []string{"first answer"}}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, store, fakeRetriever{}, gen, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"first question"}`)
	f := readFrame(t, conn)
	if f.Type != "session" {
		t.Fatalf("expected session frame, got %+v", f)
	}
	sessionID := f.SessionID
	drainGeneration(t, conn)

	firstSystem := gen.lastSystem()
	if strings.Contains(firstSystem, "Conversation history:") {
		t.Fatalf("first turn should have no history section:\n%s", firstSystem)
	}

	sendMessage(t, conn, `{"message":"second question","session_id":`+itoa(sessionID)+`}`)
	f = readFrame(t, conn)
	if f.Type != "session" || f.SessionID != sessionID {
		t.Fatalf("expected same session %d, got %+v", sessionID, f)
	}
	drainGeneration(t, conn)

	system := gen.lastSystem()
	if !strings.Contains(system, "user: first question") {
		t.Fatalf("history should include prior user turn:\n%s", system)
	}
	if !strings.Contains(system, "assistant: first answer") {
		t.Fatalf("history should include prior assistant turn:\n%s", system)
	}
	if strings.Contains(system, "second question") {
		t.Fatalf("history must exclude the just-persisted user turn:\n%s", system)
	}
}

func TestForeignSessionIDYieldsFreshSession(t *testing.T) {
	store := chatservice.NewService()

	// Another identity owns a real session with a message in it.
	foreign, _, err := store.ResolveOrCreateSession(context.Background(), nil, "user-2")
	if err != nil {
		t.Fatalf("ResolveOrCreateSession err: %v", err)
	}
	if _, err := store.AppendMessage(context.Background(), foreign.ID, chat.RoleUser, "secret"); err != nil {
		t.Fatalf("AppendMessage err: %v", err)
	}

	gen := &scriptedGenerator{deltas: []string{"ok"}}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, store, fakeRetriever{}, gen, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"probe","session_id":`+itoa(foreign.ID)+`}`)
	f := readFrame(t, conn)
	if f.Type != "session" {
		t.Fatalf("expected session frame, got %+v", f)
	}
	if f.SessionID == foreign.ID {
		t.Fatal("foreign session id must not be reused")
	}
	drainGeneration(t, conn)

	if strings.Contains(gen.lastSystem(), "secret") {
		t.Fatal("foreign session content leaked into context")
	}
}

func TestStreamFailureDiscardsPartialAnswer(t *testing.T) {
	store := chatservice.NewService()
	gen := &scriptedGenerator{deltas: []string{"par", "tial"}, err: errors.New("upstream reset")}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, store, fakeRetriever{}, gen, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"hi"}`)
	f := readFrame(t, conn)
	if f.Type != "session" {
		t.Fatalf("expected session frame, got %+v", f)
	}
	sessionID := f.SessionID

	var sawError bool
	for i := 0; i < 4; i++ {
		f = readFrame(t, conn)
		if f.Type == "error" {
			sawError = true
			break
		}
		if f.Type != "delta" {
			t.Fatalf("unexpected frame %+v", f)
		}
	}
	if !sawError || f.Error != "stream_failed" {
		t.Fatalf("expected stream_failed, got %+v", f)
	}

	history, err := store.RecentMessages(context.Background(), sessionID, "", 10)
	if err != nil {
		t.Fatalf("RecentMessages err: %v", err)
	}
	for _, msg := range history {
		if msg.Role == chat.RoleAssistant {
			t.Fatalf("partial assistant turn must not be persisted: %+v", msg)
		}
	}
}

func TestEmptyGenerationIsSilentNoOp(t *testing.T) {
	store := chatservice.NewService()
	gen := &scriptedGenerator{}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, store, fakeRetriever{}, gen, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"hi"}`)
	f := readFrame(t, conn)
	if f.Type != "session" {
		t.Fatalf("expected session frame, got %+v", f)
	}
	sessionID := f.SessionID

	// No done, no error: the next frame observed belongs to the next turn.
	sendMessage(t, conn, `{"message":"again","session_id":`+itoa(sessionID)+`}`)
	f = readFrame(t, conn)
	if f.Type != "session" {
		t.Fatalf("expected the next turn's session frame, got %+v", f)
	}

	history, err := store.RecentMessages(context.Background(), sessionID, "", 10)
	if err != nil {
		t.Fatalf("RecentMessages err: %v", err)
	}
	for _, msg := range history {
		if msg.Role == chat.RoleAssistant {
			t.Fatalf("empty generation must not be persisted: %+v", msg)
		}
	}
}

func TestMalformedInputKeepsConnectionAndBudget(t *testing.T) {
	store := chatservice.NewService()
	gen := &scriptedGenerator{deltas: []string{"ok"}}
	cfg := ws.Config{RateMax: 1, RateWindow: time.Minute}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, store, fakeRetriever{}, gen, cfg)
	expectStatus(t, conn)

	sendMessage(t, conn, "{broken")
	f := readFrame(t, conn)
	if f.Type != "error" || f.Error != "invalid_json" {
		t.Fatalf("expected invalid_json, got %+v", f)
	}

	// The malformed frame consumed no admission budget: with RateMax=1 the
	// next real message is still admitted.
	sendMessage(t, conn, `{"message":"hi"}`)
	f = readFrame(t, conn)
	if f.Type != "session" {
		t.Fatalf("expected session frame after malformed input, got %+v", f)
	}
}

func TestEmptyPayloadAndEmptyMessage(t *testing.T) {
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, chatservice.NewService(), fakeRetriever{}, &scriptedGenerator{}, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, "   ")
	if f := readFrame(t, conn); f.Error != "empty_payload" {
		t.Fatalf("expected empty_payload, got %+v", f)
	}

	sendMessage(t, conn, `{"message":"   "}`)
	if f := readFrame(t, conn); f.Error != "empty_message" {
		t.Fatalf("expected empty_message, got %+v", f)
	}
}

func TestRateLimitedReportsRetryHint(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{"ok"}}
	cfg := ws.Config{RateMax: 1, RateWindow: 30 * time.Second}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, chatservice.NewService(), fakeRetriever{}, gen, cfg)
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"one"}`)
	if f := readFrame(t, conn); f.Type != "session" {
		t.Fatalf("expected first message admitted, got %+v", f)
	}
	drainGeneration(t, conn)

	sendMessage(t, conn, `{"message":"two"}`)
	f := readFrame(t, conn)
	if f.Error != "rate_limited" {
		t.Fatalf("expected rate_limited, got %+v", f)
	}
	if f.RetryAfter != 30 {
		t.Fatalf("expected retry_after 30, got %d", f.RetryAfter)
	}
}

func TestMissingGeneratorReportsConfigurationError(t *testing.T) {
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, chatservice.NewService(), fakeRetriever{}, nil, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"hi"}`)
	if f := readFrame(t, conn); f.Error != "missing_openai_key" {
		t.Fatalf("expected missing_openai_key, got %+v", f)
	}
}

func TestRetrievalFailureDegradesToEmptyContext(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{"ok"}}
	ret := fakeRetriever{err: errors.New("index offline")}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, chatservice.NewService(), ret, gen, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"hi"}`)
	if f := readFrame(t, conn); f.Type != "session" {
		t.Fatalf("retrieval failure must not abort the turn, got %+v", f)
	}
	drainGeneration(t, conn)

	if strings.Contains(gen.lastSystem(), "Context:") {
		t.Fatalf("failed retrieval must inject no context section:\n%s", gen.lastSystem())
	}
}

func TestRetrievedSnippetsReachThePrompt(t *testing.T) {
	gen := &scriptedGenerator{deltas: []string{"ok"}}
	ret := fakeRetriever{snippets: []string{"alpha snippet", "beta snippet"}}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, chatservice.NewService(), ret, gen, ws.Config{})
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"hi"}`)
	if f := readFrame(t, conn); f.Type != "session" {
		t.Fatalf("expected session frame, got %+v", f)
	}
	drainGeneration(t, conn)

	system := gen.lastSystem()
	if !strings.Contains(system, "Context:\nalpha snippet\n\nbeta snippet") {
		t.Fatalf("snippets missing from instruction:\n%s", system)
	}
}

func TestAccumulatorOverflowFailsTheStream(t *testing.T) {
	store := chatservice.NewService()
	gen := &scriptedGenerator{deltas: []string{strings.Repeat("a", 40), strings.Repeat("b", 40)}}
	cfg := ws.Config{AccumulatorCap: 64}
	conn := newGatewayConn(t, staticIdentity{acct: testAccount(), ok: true}, store, fakeRetriever{}, gen, cfg)
	expectStatus(t, conn)

	sendMessage(t, conn, `{"message":"hi"}`)
	f := readFrame(t, conn)
	if f.Type != "session" {
		t.Fatalf("expected session frame, got %+v", f)
	}
	sessionID := f.SessionID

	f = readFrame(t, conn)
	if f.Type != "delta" {
		t.Fatalf("expected first delta, got %+v", f)
	}
	f = readFrame(t, conn)
	if f.Type != "error" || f.Error != "stream_failed" {
		t.Fatalf("expected stream_failed on overflow, got %+v", f)
	}

	history, err := store.RecentMessages(context.Background(), sessionID, "", 10)
	if err != nil {
		t.Fatalf("RecentMessages err: %v", err)
	}
	for _, msg := range history {
		if msg.Role == chat.RoleAssistant {
			t.Fatalf("overflowed generation must not be persisted: %+v", msg)
		}
	}
}

// drainGeneration consumes delta frames until the turn's done frame.
func drainGeneration(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Type == "done" {
			return
		}
		if f.Type != "delta" {
			t.Fatalf("unexpected frame while draining: %+v", f)
		}
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
