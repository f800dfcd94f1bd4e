// Package trigger evaluates persona keyword rules: world triggers before a
// turn (text injection) and CG triggers after it (image references).
package trigger

import (
	"strings"

	"github.com/nidhogg/persona-chat/internal/persona"
	"go.uber.org/zap"
)

// Matches reports whether keys match corpus under mode. AND with no keys
// matches vacuously; OR with no keys never matches.
func Matches(mode persona.KeyMode, keys []string, corpus string) bool {
	if mode == persona.ModeOr {
		for _, k := range keys {
			if strings.Contains(corpus, k) {
				return true
			}
		}
		return false
	}
	for _, k := range keys {
		if !strings.Contains(corpus, k) {
			return false
		}
	}
	return true
}

// Injections holds the text each target region receives this turn.
type Injections map[persona.TargetRegion]string

// Get returns the injection for r and whether any rule targeted it.
func (in Injections) Get(r persona.TargetRegion) (string, bool) {
	v, ok := in[r]
	return v, ok
}

func (in Injections) add(r persona.TargetRegion, v string) {
	if prev, ok := in[r]; ok {
		in[r] = prev + "\n" + v
		return
	}
	in[r] = v
}

// Evaluator applies a persona's trigger rules.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// World evaluates p's world triggers against the three source regions.
// An empty lastReply (first turn) is matched like any other empty region.
func (e *Evaluator) World(p *persona.Persona, preamble, userInput, lastReply string) Injections {
	out := Injections{}
	if p == nil {
		return out
	}
	regions := [...]string{
		persona.SourcePreamble:  preamble,
		persona.SourceUserInput: userInput,
		persona.SourceLastReply: lastReply,
	}

	for i, rule := range p.WorldTriggers {
		selected := rule.Sources.Regions()
		parts := make([]string, 0, len(selected))
		for _, r := range selected {
			parts = append(parts, regions[r])
		}
		corpus := strings.Join(parts, "\n")
		if !Matches(rule.Mode, rule.Keys, corpus) {
			continue
		}
		for _, target := range rule.Targets.Regions() {
			out.add(target, rule.Value)
		}
		e.logger.Info("world trigger fired",
			zap.String("persona", p.Name),
			zap.Int("rule", i),
			zap.Stringer("sources", rule.Sources),
			zap.Stringer("targets", rule.Targets))
	}
	return out
}

// CG returns the image reference of the first CG trigger matching the
// full reply text. Later rules are not consulted once one matches.
func (e *Evaluator) CG(p *persona.Persona, reply string) (string, bool) {
	if p == nil {
		return "", false
	}
	for i, rule := range p.CGTriggers {
		if Matches(rule.Mode, rule.Keys, reply) {
			e.logger.Info("cg trigger fired",
				zap.String("persona", p.Name),
				zap.Int("rule", i),
				zap.String("image", rule.ImageRef))
			return rule.ImageRef, true
		}
	}
	return "", false
}
