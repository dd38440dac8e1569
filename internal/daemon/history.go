package daemon

import (
	"sync"

	"github.com/nous-labs/concierge/pkg/agent"
)

const (
	// defaultHistoryLimit caps messages kept per room.
	defaultHistoryLimit = 40
	// historyBudgetChars caps the history sent with one turn.
	historyBudgetChars = 8000
)

// historyStore is a sliding window of messages per room.
type historyStore struct {
	mu    sync.Mutex
	limit int
	rooms map[string][]agent.Message
}

func newHistoryStore(limit int) *historyStore {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &historyStore{limit: limit, rooms: make(map[string][]agent.Message)}
}

func (h *historyStore) append(room string, msgs ...agent.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := append(h.rooms[room], msgs...)
	if len(all) > h.limit {
		all = all[len(all)-h.limit:]
	}
	h.rooms[room] = all
}

// get returns a copy of the room's history trimmed to the character budget,
// starting with a user message.
func (h *historyStore) get(room string) []agent.Message {
	h.mu.Lock()
	msgs := make([]agent.Message, len(h.rooms[room]))
	copy(msgs, h.rooms[room])
	h.mu.Unlock()

	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	for total > historyBudgetChars && len(msgs) > 1 {
		total -= len(msgs[0].Content)
		msgs = msgs[1:]
	}
	for len(msgs) > 0 && msgs[0].Role != agent.RoleUser {
		msgs = msgs[1:]
	}
	return msgs
}

func (h *historyStore) reset(room string) {
	h.mu.Lock()
	delete(h.rooms, room)
	h.mu.Unlock()
}
