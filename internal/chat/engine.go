package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/persona-chat/internal/persona"
	"github.com/nidhogg/persona-chat/internal/provider"
	"github.com/nidhogg/persona-chat/internal/storage"
	"github.com/nidhogg/persona-chat/internal/trigger"
	"go.uber.org/zap"
)

// PersonaLoader resolves persona names, falling back to a default.
type PersonaLoader interface {
	Load(name string) (*persona.Persona, error)
}

// Snapshotter persists the conversation after each turn or clear.
type Snapshotter interface {
	Snapshot(doc storage.ChatDocument) error
}

// Recorder receives every committed exchange, e.g. for archival.
type Recorder interface {
	Record(ctx context.Context, ex Exchange, doc storage.ChatDocument) error
}

// SnapshotRecorder is a Recorder that also keeps the latest conversation
// document. It is told about changes that are not exchanges, such as a
// cleared history.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, doc storage.ChatDocument) error
}

// Config holds engine defaults.
type Config struct {
	Model          string
	DefaultPersona string
	MemoryRounds   int
}

// recordTimeout bounds a recorder call; recorders run after the reply
// has been delivered.
const recordTimeout = 10 * time.Second

// Engine owns one conversation: its history, active persona, memory
// window and credential. At most one turn streams at a time.
type Engine struct {
	cfg       Config
	provider  provider.Streamer
	personas  PersonaLoader
	autosave  Snapshotter
	triggers  *trigger.Evaluator
	recorders []Recorder

	mu           sync.RWMutex
	history      []Turn
	persona      *persona.Persona
	personaName  string
	memoryRounds int
	apiKey       string

	turnMu sync.Mutex
	saveMu sync.Mutex
	logger *zap.Logger
}

// NewEngine creates an engine with an empty history.
func NewEngine(cfg Config, prov provider.Streamer, personas PersonaLoader, autosave Snapshotter, logger *zap.Logger) *Engine {
	if cfg.MemoryRounds < 0 {
		cfg.MemoryRounds = 0
	}
	return &Engine{
		cfg:          cfg,
		provider:     prov,
		personas:     personas,
		autosave:     autosave,
		triggers:     trigger.NewEvaluator(logger),
		memoryRounds: cfg.MemoryRounds,
		personaName:  cfg.DefaultPersona,
		logger:       logger,
	}
}

// AddRecorder registers a sink for committed exchanges.
func (e *Engine) AddRecorder(r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorders = append(e.recorders, r)
}

// Restore replaces the conversation with doc. A nil doc starts fresh on
// the default persona. The history is replaced even when the persona
// cannot be loaded; the returned error reports that case.
func (e *Engine) Restore(doc *storage.ChatDocument) error {
	name := e.cfg.DefaultPersona
	var history []Turn
	e.mu.RLock()
	rounds := e.memoryRounds
	e.mu.RUnlock()

	if doc != nil {
		if doc.PromptName != "" {
			name = doc.PromptName
		}
		rounds = doc.Rounds(rounds)
		history = make([]Turn, 0, len(doc.ChatHistory))
		for _, m := range doc.ChatHistory {
			history = append(history, Turn{Role: Role(m.Role), Content: m.Content})
		}
	}

	p, err := e.personas.Load(name)

	e.mu.Lock()
	e.history = history
	e.memoryRounds = max(0, rounds)
	if err == nil {
		e.persona = p
		e.personaName = p.Name
	}
	e.mu.Unlock()

	e.logger.Info("conversation restored",
		zap.String("persona", e.PersonaName()),
		zap.Int("messages", len(history)),
		zap.Int("memory_rounds", e.MemoryRounds()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoPersona, err)
	}
	return nil
}

// SetAPIKey sets the bearer credential used for upstream calls.
func (e *Engine) SetAPIKey(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.apiKey = key
}

// HasAPIKey reports whether a credential is set.
func (e *Engine) HasAPIKey() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.apiKey != ""
}

// SetPersona switches to the named persona (or the default, if it cannot
// be loaded) and returns the name actually loaded.
func (e *Engine) SetPersona(name string) (string, error) {
	p, err := e.personas.Load(name)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.persona = p
	e.personaName = p.Name
	e.mu.Unlock()
	e.logger.Info("persona switched", zap.String("requested", name), zap.String("persona", p.Name))
	return p.Name, nil
}

// Persona returns the active persona, or nil if none is loaded.
func (e *Engine) Persona() *persona.Persona {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.persona
}

// PersonaName returns the active persona name.
func (e *Engine) PersonaName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.personaName
}

// History returns a copy of the stored history.
func (e *Engine) History() []Turn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Turn, len(e.history))
	copy(out, e.history)
	return out
}

// MemoryRounds returns the number of history entries replayed per turn.
func (e *Engine) MemoryRounds() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.memoryRounds
}

// SetMemoryRounds stores max(0, n) and returns the stored value.
func (e *Engine) SetMemoryRounds(n int) int {
	n = max(0, n)
	e.mu.Lock()
	e.memoryRounds = n
	e.mu.Unlock()
	return n
}

// Clear empties the history, autosaves the empty conversation and
// passes it to every SnapshotRecorder.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.history = nil
	doc := e.documentLocked()
	e.mu.Unlock()
	e.logger.Info("history cleared")
	e.persist(doc)
	e.recordSnapshot(doc)
}

// Document returns the persisted form of the conversation.
func (e *Engine) Document() storage.ChatDocument {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.documentLocked()
}

func (e *Engine) documentLocked() storage.ChatDocument {
	msgs := make([]storage.Message, len(e.history))
	for i, t := range e.history {
		msgs[i] = storage.Message{Role: string(t.Role), Content: t.Content}
	}
	return storage.ChatDocument{
		ChatHistory:  msgs,
		PromptName:   e.personaName,
		MemoryRounds: storage.IntPtr(e.memoryRounds),
	}
}

// persist writes an autosave. Failures are logged and never reach the caller.
func (e *Engine) persist(doc storage.ChatDocument) {
	if e.autosave == nil {
		return
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	if err := e.autosave.Snapshot(doc); err != nil {
		e.logger.Error("autosave failed", zap.Error(err))
	}
}

func (e *Engine) record(ex Exchange, doc storage.ChatDocument) {
	e.mu.RLock()
	recorders := e.recorders
	e.mu.RUnlock()
	if len(recorders) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	for _, r := range recorders {
		if err := r.Record(ctx, ex, doc); err != nil {
			e.logger.Warn("recorder failed", zap.String("exchange", ex.ID), zap.Error(err))
		}
	}
}

func (e *Engine) recordSnapshot(doc storage.ChatDocument) {
	e.mu.RLock()
	recorders := e.recorders
	e.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	for _, r := range recorders {
		sr, ok := r.(SnapshotRecorder)
		if !ok {
			continue
		}
		if err := sr.RecordSnapshot(ctx, doc); err != nil {
			e.logger.Warn("snapshot recorder failed", zap.Error(err))
		}
	}
}
