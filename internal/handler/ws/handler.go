// Package ws implements the websocket chat gateway: a JWT gate at connect
// time, then one strictly sequential message loop per connection that
// validates the envelope, enforces admission control, resolves the session,
// persists the user turn, assembles grounding context, and relays the
// generated answer token by token.
package ws

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/csec/ragchat/backend/internal/model/account"
	"github.com/csec/ragchat/backend/internal/model/chat"
	"github.com/csec/ragchat/backend/internal/service/ai"
	chatservice "github.com/csec/ragchat/backend/internal/service/chat"
)

// CloseUnauthorized is the close code sent to anonymous connections. It is
// deliberately distinct from the generic 1000 so clients can tell an auth
// rejection from a normal close.
const CloseUnauthorized = 4401

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Identifier resolves connection-establishment metadata to an account.
type Identifier interface {
	Identify(r *http.Request) (account.Account, bool)
}

// Retriever returns ranked text snippets for a query. An empty result is
// normal; retrieval errors degrade to an empty context.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]string, error)
}

// TokenStream is one in-flight generation: a finite, non-restartable
// sequence of text deltas ending in io.EOF.
type TokenStream interface {
	Recv() (string, error)
	Close()
}

// Generator opens one generation stream per user turn.
type Generator interface {
	Stream(ctx context.Context, systemPrompt, userMessage string) (TokenStream, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, systemPrompt, userMessage string) (TokenStream, error)

// Stream implements Generator.
func (f GeneratorFunc) Stream(ctx context.Context, systemPrompt, userMessage string) (TokenStream, error) {
	return f(ctx, systemPrompt, userMessage)
}

// Config carries the per-connection limits of the gateway.
type Config struct {
	RateWindow     time.Duration
	RateMax        int
	HistoryLimit   int
	RetrievalTopK  int
	AccumulatorCap int
}

// DefaultConfig mirrors the limits of the original deployment.
func DefaultConfig() Config {
	return Config{
		RateWindow:     30 * time.Second,
		RateMax:        6,
		HistoryLimit:   5,
		RetrievalTopK:  5,
		AccumulatorCap: 256 << 10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.RateMax <= 0 {
		c.RateMax = def.RateMax
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = def.RetrievalTopK
	}
	if c.AccumulatorCap <= 0 {
		c.AccumulatorCap = def.AccumulatorCap
	}
	return c
}

// Handler owns the websocket endpoint. All collaborators are injected at
// construction; a nil generator means the generation credential is absent
// and every turn reports missing_openai_key.
type Handler struct {
	auth      Identifier
	store     chatservice.Store
	retriever Retriever
	generator Generator
	cfg       Config
	upgrader  websocket.Upgrader
}

// New wires the gateway handler.
func New(auth Identifier, store chatservice.Store, retriever Retriever, generator Generator, cfg Config) *Handler {
	return &Handler{
		auth:      auth,
		store:     store,
		retriever: retriever,
		generator: generator,
		cfg:       cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/chat", h.handleWebSocket)
}

// connState is the per-connection state. It is private to the connection's
// goroutine; the sequential message loop is what makes that safe.
type connState struct {
	identity account.Account
	window   *admissionWindow
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, authenticated := h.auth.Identify(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if !authenticated {
		// No frame exchange happens on an anonymous connection.
		deadline := time.Now().Add(writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthorized, "authentication required"), deadline)
		return
	}

	log.Printf("[gateway] connection opened user=%s", identity.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go pingLoop(ctx, conn)

	state := &connState{
		identity: identity,
		window:   newAdmissionWindow(h.cfg.RateWindow, h.cfg.RateMax),
	}

	if err := h.writeFrame(conn, newStatusFrame("connected")); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[gateway] read error user=%s: %v", identity.ID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		// One message lifecycle at a time: the loop does not read the next
		// frame until this one completes or fails.
		if err := h.processMessage(ctx, conn, state, data); err != nil {
			log.Printf("[gateway] connection lost mid-turn user=%s: %v", identity.ID, err)
			return
		}
	}
}

// processMessage runs the full lifecycle of one inbound chat message. A
// non-nil error means the client connection is unusable and the handler
// should terminate; all turn-scoped failures are reported in-band instead.
func (h *Handler) processMessage(ctx context.Context, conn *websocket.Conn, state *connState, data []byte) error {
	env, code, ok := parseEnvelope(data)
	if !ok {
		return h.writeFrame(conn, newErrorFrame(code))
	}

	if !state.window.Admit() {
		return h.writeFrame(conn, newRateLimitedFrame(state.window.RetryAfterSeconds()))
	}

	message := strings.TrimSpace(env.Message)
	if message == "" {
		return h.writeFrame(conn, newErrorFrame(errEmptyMessage))
	}

	if h.generator == nil {
		return h.writeFrame(conn, newErrorFrame(errMissingOpenAIKey))
	}

	session, _, err := h.store.ResolveOrCreateSession(ctx, env.SessionID, state.identity.ID)
	if err != nil {
		log.Printf("[gateway] session resolution failed user=%s: %v", state.identity.ID, err)
		return h.writeFrame(conn, newErrorFrame(errStreamFailed))
	}

	userMsg, err := h.store.AppendMessage(ctx, session.ID, chat.RoleUser, message)
	if err != nil {
		log.Printf("[gateway] persist user turn failed session=%d: %v", session.ID, err)
		return h.writeFrame(conn, newErrorFrame(errStreamFailed))
	}

	history, err := h.store.RecentMessages(ctx, session.ID, userMsg.ID, h.cfg.HistoryLimit)
	if err != nil {
		log.Printf("[gateway] load history failed session=%d: %v", session.ID, err)
		return h.writeFrame(conn, newErrorFrame(errStreamFailed))
	}

	snippets, err := h.retriever.Retrieve(ctx, message, h.cfg.RetrievalTopK)
	if err != nil {
		// Retrieval faults degrade to an empty context rather than
		// aborting the turn.
		log.Printf("[gateway] retrieval failed session=%d: %v", session.ID, err)
		snippets = nil
	}

	instruction := ai.BuildSystemInstruction(snippets, history)

	if err := h.writeFrame(conn, newSessionFrame(session.ID)); err != nil {
		return err
	}

	return h.streamAnswer(ctx, conn, session.ID, instruction, message)
}

// streamAnswer relays the generation stream to the client and finalizes
// persistence. Deltas are forwarded verbatim in arrival order; a partial
// answer is never persisted.
func (h *Handler) streamAnswer(ctx context.Context, conn *websocket.Conn, sessionID int64, instruction, message string) error {
	stream, err := h.generator.Stream(ctx, instruction, message)
	if err != nil {
		log.Printf("[gateway] open generation stream failed session=%d: %v", sessionID, err)
		return h.writeFrame(conn, newErrorFrame(errStreamFailed))
	}
	defer stream.Close()

	var accumulator strings.Builder
	for {
		delta, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			log.Printf("[gateway] generation stream failed session=%d: %v", sessionID, recvErr)
			return h.writeFrame(conn, newErrorFrame(errStreamFailed))
		}
		if delta == "" {
			continue
		}

		if accumulator.Len()+len(delta) > h.cfg.AccumulatorCap {
			log.Printf("[gateway] accumulator overflow session=%d cap=%d", sessionID, h.cfg.AccumulatorCap)
			return h.writeFrame(conn, newErrorFrame(errStreamFailed))
		}
		accumulator.WriteString(delta)

		if err := h.writeFrame(conn, newDeltaFrame(delta)); err != nil {
			// Client gone mid-stream: abort the relay, discard the partial
			// answer, nothing is persisted.
			return err
		}
	}

	if accumulator.Len() == 0 {
		// Degenerate empty generation: no assistant message, no done frame.
		return nil
	}

	if _, err := h.store.AppendMessage(ctx, sessionID, chat.RoleAssistant, accumulator.String()); err != nil {
		log.Printf("[gateway] persist assistant turn failed session=%d: %v", sessionID, err)
		return h.writeFrame(conn, newErrorFrame(errStreamFailed))
	}

	return h.writeFrame(conn, newDoneFrame())
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame any) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return err
	}
	return nil
}

// pingLoop keeps the connection alive. Pings go out via WriteControl, which
// is safe alongside the message-loop writer.
func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
