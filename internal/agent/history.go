package agent

import (
	"sync"

	"github.com/oakmere/ivy/internal/llm"
)

// History keeps per-chat conversation context in memory. Tool-call
// traffic from past turns is not kept; only the user and assistant
// text survives, trimmed to the most recent pairs.
type History struct {
	maxPairs int

	mu    sync.Mutex
	chats map[int64][]llm.Message
}

// NewHistory creates a history keeping at most maxPairs user and
// assistant exchanges per chat.
func NewHistory(maxPairs int) *History {
	if maxPairs <= 0 {
		maxPairs = 10
	}
	return &History{
		maxPairs: maxPairs,
		chats:    make(map[int64][]llm.Message),
	}
}

// Messages returns a copy of the chat's history.
func (h *History) Messages(chatID int64) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	msgs := h.chats[chatID]
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// AddExchange records one completed turn. Empty messages are dropped
// so the wire format never sees a blank content block.
func (h *History) AddExchange(chatID int64, user, assistant string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if user != "" {
		h.chats[chatID] = append(h.chats[chatID], llm.Message{Role: "user", Content: user})
	}
	if assistant != "" {
		h.chats[chatID] = append(h.chats[chatID], llm.Message{Role: "assistant", Content: assistant})
	}

	if max := h.maxPairs * 2; len(h.chats[chatID]) > max {
		msgs := h.chats[chatID]
		h.chats[chatID] = append([]llm.Message(nil), msgs[len(msgs)-max:]...)
	}
}

// Clear forgets a chat's history.
func (h *History) Clear(chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.chats, chatID)
}

// Len returns the number of stored messages for a chat.
func (h *History) Len(chatID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chats[chatID])
}
