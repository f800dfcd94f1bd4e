package storage

// Message is one persisted chat entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatDocument is the on-disk form of a conversation, shared by the
// autosave ring and named saves. Named saves written by older clients
// omit memory_rounds, so it is optional.
type ChatDocument struct {
	ChatHistory  []Message `json:"chat_history"`
	PromptName   string    `json:"prompt_name"`
	MemoryRounds *int      `json:"memory_rounds,omitempty"`
}

// Rounds returns the stored memory window or def when absent.
func (d *ChatDocument) Rounds(def int) int {
	if d == nil || d.MemoryRounds == nil {
		return def
	}
	return *d.MemoryRounds
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(v int) *int { return &v }
