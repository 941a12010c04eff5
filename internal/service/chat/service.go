package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/csec/ragchat/backend/internal/model/chat"
)

var (
	ErrOwnerRequired   = errors.New("session owner is required")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRole     = errors.New("message role must be user or assistant")
)

// Store is the persistence contract the gateway depends on: session
// resolution plus an append-only message log with a bounded recent read.
type Store interface {
	// ResolveOrCreateSession maps an optional client-supplied session id to
	// a session the owner may write into. A nil id, an unknown id, or an id
	// owned by another account all yield a fresh session; only an existing
	// session owned by this account is reused. The second result reports
	// whether an existing session was reused.
	ResolveOrCreateSession(ctx context.Context, id *int64, owner string) (chat.Session, bool, error)

	// AppendMessage appends one turn to a session's log.
	AppendMessage(ctx context.Context, sessionID int64, role, content string) (chat.Message, error)

	// RecentMessages returns up to limit messages of a session, oldest
	// first, excluding the message with excludeID. The store's append order
	// is the sole ordering authority.
	RecentMessages(ctx context.Context, sessionID int64, excludeID string, limit int) ([]chat.Message, error)
}

// Service is the in-memory Store implementation. Session ids are assigned
// sequentially so they round-trip through the wire envelope as JSON numbers.
type Service struct {
	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]chat.Session
	messages map[int64][]chat.Message
}

// NewService bootstraps the in-memory store.
func NewService() *Service {
	return &Service{
		sessions: make(map[int64]chat.Session),
		messages: make(map[int64][]chat.Message),
	}
}

// ResolveOrCreateSession implements the silent-fallback resolution policy.
// Cross-account probing never errors and never leaks another account's
// session: the caller simply receives a new, empty session.
func (s *Service) ResolveOrCreateSession(_ context.Context, id *int64, owner string) (chat.Session, bool, error) {
	if owner == "" {
		return chat.Session{}, false, ErrOwnerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != nil {
		if session, ok := s.sessions[*id]; ok && session.UserID == owner {
			return session, true, nil
		}
	}

	s.nextID++
	session := chat.Session{
		ID:        s.nextID,
		UserID:    owner,
		CreatedAt: time.Now().UTC(),
	}
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	return session, false, nil
}

// AppendMessage appends a turn to the session log.
func (s *Service) AppendMessage(_ context.Context, sessionID int64, role, content string) (chat.Message, error) {
	if role != chat.RoleUser && role != chat.RoleAssistant {
		return chat.Message{}, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return chat.Message{}, ErrSessionNotFound
	}

	message := chat.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], message)
	return message, nil
}

// RecentMessages returns the most recent turns of a session, oldest first.
func (s *Service) RecentMessages(_ context.Context, sessionID int64, excludeID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if limit <= 0 {
		return nil, nil
	}

	kept := make([]chat.Message, 0, len(stored))
	for _, msg := range stored {
		if excludeID != "" && msg.ID == excludeID {
			continue
		}
		kept = append(kept, msg)
	}

	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}

	copied := make([]chat.Message, len(kept))
	copy(copied, kept)
	return copied, nil
}
