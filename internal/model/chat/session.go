package chat

import "time"

// Session groups the ordered messages of one conversation thread under a
// single owning account. Sessions are never mutated after creation.
type Session struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}
