package monument

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Intent is what an agent asked for. Outcome is what the merge resolved.
type Intent string

// Supported intents.
const (
	IntentMove  Intent = "MOVE"
	IntentPaint Intent = "PAINT"
	IntentSpeak Intent = "SPEAK"
	IntentWait  Intent = "WAIT"
	IntentSkip  Intent = "SKIP"
)

// AllIntents is the full scope set granted to unrestricted actors.
var AllIntents = []Intent{IntentMove, IntentPaint, IntentSpeak, IntentWait, IntentSkip}

// ParseIntent converts a scope string to an Intent, case-insensitively.
func ParseIntent(s string) (Intent, bool) {
	in := Intent(strings.ToUpper(strings.TrimSpace(s)))
	switch in {
	case IntentMove, IntentPaint, IntentSpeak, IntentWait, IntentSkip:
		return in, true
	}
	return "", false
}

// Outcome is the per-actor result of one resolved tick.
type Outcome string

// Merge outcomes.
const (
	OutcomeSuccess      Outcome = "SUCCESS"
	OutcomeInvalid      Outcome = "INVALID"
	OutcomeConflictLost Outcome = "CONFLICT_LOST"
	OutcomeTimeout      Outcome = "TIMEOUT"
	OutcomeNoOp         Outcome = "NO_OP"
)

// MaxSpeakLen bounds SPEAK payloads; longer messages are rejected at intake.
const MaxSpeakLen = 280

var colorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Action is one parsed agent action. Exactly one of the parameter fields
// is meaningful depending on Intent.
type Action struct {
	Intent    Intent `json:"intent"`
	Direction Facing `json:"direction,omitempty"`
	Color     string `json:"color,omitempty"`
	Target    *Coord `json:"target,omitempty"`
	Message   string `json:"message,omitempty"`
	Raw       string `json:"raw"`
}

// ParseAction parses a single-line action string:
//
//	MOVE <N|S|E|W>
//	PAINT #RRGGBB [x y]
//	SPEAK <text>
//	WAIT
//	SKIP
//
// Keywords are case-insensitive; SPEAK text is taken verbatim.
func ParseAction(raw string) (Action, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Action{}, reject(ErrMalformedAction, "malformed_action", "empty action string")
	}
	verb, rest, _ := strings.Cut(trimmed, " ")
	act := Action{Raw: trimmed}
	switch strings.ToUpper(verb) {
	case string(IntentMove):
		dir := Facing(strings.ToUpper(strings.TrimSpace(rest)))
		if !dir.Valid() {
			return Action{}, reject(ErrMalformedAction, "malformed_action", "MOVE direction must be one of N, S, E, W, got %q", rest)
		}
		act.Intent = IntentMove
		act.Direction = dir
	case string(IntentPaint):
		fields := strings.Fields(rest)
		if len(fields) != 1 && len(fields) != 3 {
			return Action{}, reject(ErrMalformedAction, "malformed_action", "PAINT takes a color and optionally x y, got %q", rest)
		}
		color := strings.ToUpper(fields[0])
		if !colorRe.MatchString(color) {
			return Action{}, reject(ErrMalformedAction, "malformed_action", "PAINT color must match #RRGGBB, got %q", fields[0])
		}
		act.Intent = IntentPaint
		act.Color = color
		if len(fields) == 3 {
			x, errX := strconv.Atoi(fields[1])
			y, errY := strconv.Atoi(fields[2])
			if errX != nil || errY != nil {
				return Action{}, reject(ErrMalformedAction, "malformed_action", "PAINT coordinates must be integers, got %q %q", fields[1], fields[2])
			}
			act.Target = &Coord{X: x, Y: y}
		}
	case string(IntentSpeak):
		msg := strings.TrimSpace(rest)
		if msg == "" {
			return Action{}, reject(ErrMalformedAction, "malformed_action", "SPEAK requires a non-empty message")
		}
		if len(msg) > MaxSpeakLen {
			return Action{}, reject(ErrMalformedAction, "malformed_action", "SPEAK message exceeds %d bytes", MaxSpeakLen)
		}
		act.Intent = IntentSpeak
		act.Message = msg
	case string(IntentWait):
		if strings.TrimSpace(rest) != "" {
			return Action{}, reject(ErrMalformedAction, "malformed_action", "WAIT takes no arguments")
		}
		act.Intent = IntentWait
	case string(IntentSkip):
		if strings.TrimSpace(rest) != "" {
			return Action{}, reject(ErrMalformedAction, "malformed_action", "SKIP takes no arguments")
		}
		act.Intent = IntentSkip
	default:
		return Action{}, reject(ErrMalformedAction, "malformed_action", "unknown action verb %q", verb)
	}
	return act, nil
}

// validateParams checks the intent-specific parameters against the frozen
// snapshot. Occupancy is deliberately not checked here; contested cells are
// a merge concern and resolve to CONFLICT_LOST.
func (a Action) validateParams(snap *Snapshot, actor *Actor) error {
	switch a.Intent {
	case IntentMove:
		target := actor.Pos().Step(a.Direction)
		if !snap.World.InBounds(target) {
			return reject(ErrMalformedAction, "malformed_action", "MOVE %s from %s leaves the %dx%d grid", a.Direction, actor.Pos(), snap.World.Width, snap.World.Height)
		}
	case IntentPaint:
		target := actor.Pos()
		if a.Target != nil {
			target = *a.Target
		}
		if !snap.World.InBounds(target) {
			return reject(ErrMalformedAction, "malformed_action", "PAINT target %s is outside the %dx%d grid", target, snap.World.Width, snap.World.Height)
		}
	}
	return nil
}

// PaintTarget returns the cell a PAINT affects given the actor's snapshot
// position: the explicit target if provided, else the actor's own cell.
func (a Action) PaintTarget(actorPos Coord) Coord {
	if a.Target != nil {
		return *a.Target
	}
	return actorPos
}

// Submission is one agent action offered to the intake validator.
type Submission struct {
	Namespace   string `json:"namespace"`
	Supertick   int64  `json:"supertick_id"`
	ContextHash string `json:"context_hash"`
	ActorID     string `json:"actor_id"`
	Secret      string `json:"-"`
	Action      string `json:"action"`
	LLMInput    string `json:"llm_input,omitempty"`
	LLMOutput   string `json:"llm_output,omitempty"`
}

// JournalEntry is one staged action row, keyed by (supertick, actor).
type JournalEntry struct {
	Supertick   int64     `json:"supertick_id"`
	ActorID     string    `json:"actor_id"`
	Action      Action    `json:"action"`
	Status      string    `json:"status"` // pending, committed, rejected
	Outcome     Outcome   `json:"outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	LLMInput    string    `json:"-"`
	LLMOutput   string    `json:"-"`
	Synthesized bool      `json:"synthesized,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Key returns the (supertick, actor) priority key for this entry.
func (j JournalEntry) Key() PriorityKey {
	return PriorityKey{Supertick: j.Supertick, ActorID: j.ActorID}
}

// PriorityKey orders conflicting journal entries. Smaller wins.
type PriorityKey struct {
	Supertick int64
	ActorID   string
}

// Less reports whether k precedes o under lexicographic (supertick, actor)
// ordering. Supertick is constant within one merge; it stays in the key so
// the rule remains stable if resolution ever spans ticks.
func (k PriorityKey) Less(o PriorityKey) bool {
	if k.Supertick != o.Supertick {
		return k.Supertick < o.Supertick
	}
	return k.ActorID < o.ActorID
}

func (k PriorityKey) String() string {
	return fmt.Sprintf("%d/%s", k.Supertick, k.ActorID)
}
