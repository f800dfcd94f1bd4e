package persona

import (
	"errors"
	"fmt"
	"strings"
)

// KeyMode controls how a trigger's keys combine.
type KeyMode string

const (
	// ModeAnd fires only when every key is present.
	ModeAnd KeyMode = "and"
	// ModeOr fires when any key is present.
	ModeOr KeyMode = "or"
)

// ParseKeyMode accepts "and"/"or" in any case.
func ParseKeyMode(s string) (KeyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "and":
		return ModeAnd, nil
	case "or":
		return ModeOr, nil
	}
	return "", fmt.Errorf("unknown key mode %q", s)
}

// WorldTrigger injects Value into the outbound message when its keys
// match the selected source regions.
type WorldTrigger struct {
	Mode    KeyMode
	Keys    []string
	Sources SourceSet
	Targets TargetSet
	Value   string
}

// CGTrigger attaches ImageRef to a finished reply whose text matches Keys.
type CGTrigger struct {
	Mode     KeyMode
	Keys     []string
	ImageRef string
}

// Persona is a compiled persona, read-only for the duration of a turn.
type Persona struct {
	Name           string
	SystemPreamble string
	UserPrefix     string
	UserSuffix     string
	WorldTriggers  []WorldTrigger
	CGTriggers     []CGTrigger
}

// Document is the persisted persona format.
type Document struct {
	PrePrompt string           `json:"pre_prompt"`
	PreText   string           `json:"pre_text"`
	PostText  string           `json:"post_text"`
	WorldBook []WorldBookEntry `json:"world_book,omitempty"`
	CGBook    []CGBookEntry    `json:"cg_book,omitempty"`
}

// WorldBookEntry is a persisted world trigger. Key is encoded as
// wb_<AND|OR>_<key1>@wb@<key2>...
type WorldBookEntry struct {
	Key         string `json:"key"`
	KeyRegion   int    `json:"key_region"`
	ValueRegion int    `json:"value_region"`
	Value       string `json:"value"`
}

// CGBookEntry is a persisted CG trigger.
type CGBookEntry struct {
	Keys     []string `json:"keys"`
	KeyMode  string   `json:"key_mode"`
	ImageURL string   `json:"image_url"`
}

const (
	worldKeyPrefix = "wb"
	worldKeySep    = "@wb@"
)

// EncodeWorldKey renders mode and keys in the world_book key format.
func EncodeWorldKey(mode KeyMode, keys []string) string {
	return worldKeyPrefix + "_" + strings.ToUpper(string(mode)) + "_" + strings.Join(keys, worldKeySep)
}

// DecodeWorldKey parses the world_book key format. Keys may themselves
// contain underscores.
func DecodeWorldKey(s string) (KeyMode, []string, error) {
	parts := strings.SplitN(s, "_", 3)
	if len(parts) != 3 || parts[0] != worldKeyPrefix {
		return "", nil, fmt.Errorf("malformed world key %q", s)
	}
	mode, err := ParseKeyMode(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("world key %q: %w", s, err)
	}
	return mode, strings.Split(parts[2], worldKeySep), nil
}

// Compile turns a document into a Persona. Malformed trigger entries are
// dropped and reported in the returned error; the Persona is always usable.
func (d *Document) Compile(name string) (*Persona, error) {
	p := &Persona{
		Name:           name,
		SystemPreamble: d.PrePrompt,
		UserPrefix:     d.PreText,
		UserSuffix:     d.PostText,
	}

	var errs []error
	for i, e := range d.WorldBook {
		mode, keys, err := DecodeWorldKey(e.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("world_book[%d]: %w", i, err))
			continue
		}
		p.WorldTriggers = append(p.WorldTriggers, WorldTrigger{
			Mode:    mode,
			Keys:    keys,
			Sources: SourceSetFromMask(e.KeyRegion),
			Targets: TargetSetFromMask(e.ValueRegion),
			Value:   e.Value,
		})
	}
	for i, e := range d.CGBook {
		mode, err := ParseKeyMode(e.KeyMode)
		if err != nil {
			errs = append(errs, fmt.Errorf("cg_book[%d]: %w", i, err))
			continue
		}
		p.CGTriggers = append(p.CGTriggers, CGTrigger{
			Mode:     mode,
			Keys:     append([]string(nil), e.Keys...),
			ImageRef: e.ImageURL,
		})
	}
	return p, errors.Join(errs...)
}

// Document renders p back into its persisted form.
func (p *Persona) Document() *Document {
	d := &Document{
		PrePrompt: p.SystemPreamble,
		PreText:   p.UserPrefix,
		PostText:  p.UserSuffix,
	}
	for _, t := range p.WorldTriggers {
		d.WorldBook = append(d.WorldBook, WorldBookEntry{
			Key:         EncodeWorldKey(t.Mode, t.Keys),
			KeyRegion:   t.Sources.Mask(),
			ValueRegion: t.Targets.Mask(),
			Value:       t.Value,
		})
	}
	for _, t := range p.CGTriggers {
		d.CGBook = append(d.CGBook, CGBookEntry{
			Keys:     append([]string(nil), t.Keys...),
			KeyMode:  string(t.Mode),
			ImageURL: t.ImageRef,
		})
	}
	return d
}
