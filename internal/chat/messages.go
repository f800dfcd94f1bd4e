package chat

import (
	"github.com/nidhogg/persona-chat/internal/persona"
	"github.com/nidhogg/persona-chat/internal/provider"
)

// BuildMessages assembles the outbound message list for userInput:
// an optional system message, the memory window of stored history, and
// the wrapped user message.
func (e *Engine) BuildMessages(userInput string) []provider.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buildMessagesLocked(e.persona, userInput)
}

func (e *Engine) buildMessagesLocked(p *persona.Persona, userInput string) []provider.Message {
	if p == nil {
		p = &persona.Persona{}
	}
	inj := e.triggers.World(p, p.SystemPreamble, userInput, lastReply(e.history))

	window := e.window()
	messages := make([]provider.Message, 0, len(window)+2)

	system := p.SystemPreamble
	if v, ok := inj.Get(persona.TargetPreamble); ok {
		if system != "" {
			system += "\n" + v
		} else {
			system = v
		}
	}
	if system != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: system})
	}

	for _, t := range window {
		messages = append(messages, provider.Message{Role: string(t.Role), Content: t.Content})
	}

	prefix := p.UserPrefix
	if v, ok := inj.Get(persona.TargetUserPrefix); ok {
		prefix += "\n" + v
	}
	suffix := p.UserSuffix
	if v, ok := inj.Get(persona.TargetUserSuffix); ok {
		suffix += "\n" + v
	}
	messages = append(messages, provider.Message{
		Role:    provider.RoleUser,
		Content: prefix + "\n" + userInput + "\n" + suffix,
	})
	return messages
}

// window returns the replayed tail of history. memoryRounds counts
// stored entries, not user/assistant pairs.
func (e *Engine) window() []Turn {
	n := e.memoryRounds
	if n <= 0 {
		return nil
	}
	if n > len(e.history) {
		n = len(e.history)
	}
	return e.history[len(e.history)-n:]
}

func lastReply(history []Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleAssistant {
			return history[i].Content
		}
	}
	return ""
}
