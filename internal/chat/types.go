package chat

import (
	"errors"
	"time"
)

var (
	// ErrTurnInProgress is returned when a turn is started while another is streaming.
	ErrTurnInProgress = errors.New("a reply is already streaming")
	// ErrEmptyMessage is returned for a turn with no user text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoPersona is returned when no persona could be loaded.
	ErrNoPersona = errors.New("no persona loaded")
)

// Role is the author of a stored turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one stored history entry. Turns are appended in user/assistant
// pairs and never edited.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Fragment is one element of a streamed reply. Exactly one of Text or Err
// is meaningful; Image is set on the synthetic fragment carrying a CG
// trigger's image reference.
type Fragment struct {
	Text  string
	Image string
	Err   error
}

// Exchange describes a committed user/assistant pair.
type Exchange struct {
	ID        string    `json:"id"`
	Persona   string    `json:"persona"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Image     string    `json:"image,omitempty"`
	At        time.Time `json:"at"`
}
