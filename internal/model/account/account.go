package account

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account is the identity resolved for an authenticated connection. The
// gateway only reads accounts; provisioning them is an external concern.
type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store exposes account lookup for the connection authenticator.
type Store interface {
	FindByID(id string) (Account, bool)
}

// MemoryStore implements Store with an in-memory slice, suitable for a
// gateway that receives its account list at startup.
type MemoryStore struct {
	items []Account
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied accounts.
func NewMemoryStore(items []Account) *MemoryStore {
	return &MemoryStore{items: append([]Account(nil), items...)}
}

// FindByID looks up an account by identifier.
func (s *MemoryStore) FindByID(id string) (Account, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Account{}, false
}

// Parse builds accounts from a comma-separated "id:username" list, as read
// from the CHAT_ACCOUNTS environment variable. Entries without a username
// reuse the id. Malformed empty entries are skipped.
func Parse(raw string) []Account {
	var items []Account
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, username, ok := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !ok || strings.TrimSpace(username) == "" {
			username = id
		}
		items = append(items, Account{
			ID:        id,
			Username:  strings.TrimSpace(username),
			CreatedAt: time.Now().UTC(),
		})
	}
	return items
}

// Seed provides a single development account for deployments that have not
// configured CHAT_ACCOUNTS yet.
func Seed() []Account {
	return []Account{
		{
			ID:        uuid.NewString(),
			Username:  "local-dev",
			CreatedAt: time.Now().UTC(),
		},
	}
}
