package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/persona-chat/internal/persona"
	"github.com/nidhogg/persona-chat/internal/provider"
	"go.uber.org/zap"
)

// ImageLine renders the synthetic fragment for a CG trigger hit.
func ImageLine(ref string) string {
	return fmt.Sprintf("\n[image: %s]", ref)
}

// StreamTurn sends userInput upstream and returns the reply as a
// channel of fragments. Errors known before streaming starts (empty
// input, a turn already running, missing credential, upstream status)
// are returned directly. Once streaming, a failure arrives as a final
// fragment with Err set.
//
// The channel is unbuffered; the caller sets the pace. Cancelling ctx
// abandons the turn: the upstream connection is closed and nothing is
// added to history. Only a reply that completes is committed, followed
// by an autosave.
//
// Callers must drain the channel until it closes or cancel ctx. A caller
// that stops reading without cancelling holds the turn open, and every
// later StreamTurn fails with ErrTurnInProgress.
func (e *Engine) StreamTurn(ctx context.Context, userInput string) (<-chan Fragment, error) {
	if strings.TrimSpace(userInput) == "" {
		return nil, ErrEmptyMessage
	}
	if !e.turnMu.TryLock() {
		return nil, ErrTurnInProgress
	}

	e.mu.RLock()
	p := e.persona
	req := &provider.ChatRequest{
		Model:    e.cfg.Model,
		Messages: e.buildMessagesLocked(p, userInput),
		APIKey:   e.apiKey,
	}
	e.mu.RUnlock()

	chunks, err := e.provider.ChatStream(ctx, req)
	if err != nil {
		e.turnMu.Unlock()
		e.logger.Warn("turn rejected", zap.Error(err))
		return nil, err
	}

	out := make(chan Fragment)
	go e.runTurn(ctx, p, userInput, chunks, out)
	return out, nil
}

func emit(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) runTurn(ctx context.Context, p *persona.Persona, userInput string, chunks <-chan provider.StreamChunk, out chan<- Fragment) {
	// Release the turn before closing out, so a caller that has drained
	// the channel can start the next turn at once.
	defer close(out)
	defer e.turnMu.Unlock()

	var reply strings.Builder
	completed := false
	for c := range chunks {
		switch {
		case c.Err != nil:
			e.logger.Warn("reply stream failed", zap.Error(c.Err))
			emit(ctx, out, Fragment{Err: c.Err})
			return
		case c.Done:
			completed = true
		default:
			reply.WriteString(c.Content)
			if !emit(ctx, out, Fragment{Text: c.Content}) {
				e.logger.Info("reply abandoned by caller")
				return
			}
		}
	}
	if !completed || ctx.Err() != nil {
		e.logger.Info("reply did not complete, history unchanged")
		return
	}

	text := reply.String()
	image, hasImage := e.triggers.CG(p, text)

	e.mu.Lock()
	e.history = append(e.history,
		Turn{Role: RoleUser, Content: userInput},
		Turn{Role: RoleAssistant, Content: text})
	ex := Exchange{
		ID:        uuid.New().String(),
		Persona:   e.personaName,
		User:      userInput,
		Assistant: text,
		Image:     image,
		At:        time.Now(),
	}
	doc := e.documentLocked()
	e.mu.Unlock()

	e.logger.Info("turn committed",
		zap.String("exchange", ex.ID),
		zap.String("persona", ex.Persona),
		zap.Int("reply_len", len(text)))

	if hasImage {
		emit(ctx, out, Fragment{Text: ImageLine(image), Image: image})
	}
	e.persist(doc)
	e.record(ex, doc)
}
