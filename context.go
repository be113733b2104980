package monument

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Snapshot is the frozen, read-only view of a namespace exposed to agents
// during COLLECT for one tick. Hash is the staleness token stamped on every
// context response and required back on every submission.
type Snapshot struct {
	World    *World
	Hash     string
	FrozenAt time.Time
}

// Freeze clones the world and stamps the context hash for the tick.
func Freeze(w *World) *Snapshot {
	frozen := w.Clone()
	return &Snapshot{
		World:    frozen,
		Hash:     ContextHash(frozen),
		FrozenAt: time.Now().UTC(),
	}
}

// ContextHash computes the stable fingerprint of the shared agent-visible
// state: supertick, grid dimensions, sorted tiles, sorted actors' public
// fields, goal and last adjudication. The same canonical serialization
// backs the shared HUD sections, so rendered-but-unhashed drift cannot
// occur there. Format: "sha256:" plus the first 16 hex digits.
func ContextHash(w *World) string {
	h := sha256.New()
	fmt.Fprintf(h, "supertick:%d\n", w.Supertick)
	fmt.Fprintf(h, "grid:%dx%d\n", w.Width, w.Height)
	fmt.Fprintln(h, "tiles:")
	for _, c := range w.SortedTiles() {
		fmt.Fprintf(h, "%d,%d=%s\n", c.X, c.Y, w.Tiles[c])
	}
	fmt.Fprintln(h, "actors:")
	for _, id := range w.ActiveActorIDs() {
		a := w.Actors[id]
		fmt.Fprintf(h, "%s:%d,%d,%s,%d\n", a.ID, a.X, a.Y, a.Facing, a.Points)
	}
	fmt.Fprintf(h, "goal:%s\n", w.Goal)
	if adj := w.LastAdjudication; adj != nil {
		fmt.Fprintf(h, "adjudication:%d|%s|%s\n", adj.Supertick, adj.Rationale, adj.Feedback)
		ids := make([]string, 0, len(adj.Contributions))
		for id := range adj.Contributions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(h, "contribution:%s=%d\n", id, adj.Contributions[id])
		}
	} else {
		fmt.Fprintln(h, "adjudication:none")
	}
	sum := h.Sum(nil)
	return "sha256:" + hex.EncodeToString(sum)[:16]
}

// AuditRecord is one append-only row of the resolved-action log.
type AuditRecord struct {
	ID          int64     `json:"id"`
	Supertick   int64     `json:"supertick_id"`
	ActorID     string    `json:"actor_id"`
	ActionType  Intent    `json:"action_type"`
	Params      string    `json:"params"`
	Result      Outcome   `json:"result"`
	Reason      string    `json:"reason,omitempty"`
	PointsDelta int       `json:"points_delta"`
	ContextHash string    `json:"context_hash"`
	LLMInput    string    `json:"llm_input,omitempty"`
	LLMOutput   string    `json:"llm_output,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ChatMessage is one SPEAK committed to the chat log.
type ChatMessage struct {
	Supertick int64     `json:"supertick_id"`
	FromID    string    `json:"from_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TileHistoryEntry is one append-only tile mutation record.
type TileHistoryEntry struct {
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Supertick  int64     `json:"supertick_id"`
	ActorID    string    `json:"actor_id"`
	OldColor   string    `json:"old_color"`
	NewColor   string    `json:"new_color"`
	ActionType string    `json:"action_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// HUD assembles the agent-visible context payload for one actor. The
// engine fills the auxiliary sections (chat, history, memories) from the
// store; Render produces the final text in the fixed section order.
type HUD struct {
	Snapshot   *Snapshot
	Actor      *Actor
	LastResult *AuditRecord  // nil until the actor's first tick resolves
	History    []AuditRecord // older own results, newest first
	Chat       []ChatMessage // oldest first
	Memories   []string      // opaque pass-through from the memory service
}

// visible reports whether the cell is inside the actor's view. A radius of
// zero means the whole grid; otherwise Chebyshev distance.
func (h *HUD) visible(c Coord) bool {
	r := h.Snapshot.World.ViewRadius
	if r <= 0 {
		return true
	}
	dx := c.X - h.Actor.X
	if dx < 0 {
		dx = -dx
	}
	dy := c.Y - h.Actor.Y
	if dy < 0 {
		dy = -dy
	}
	return dx <= r && dy <= r
}

// Render produces the HUD text. Section order is fixed: identity, goal,
// last tick result, last adjudication, tiles, actors, chat, memories,
// available actions.
func (h *HUD) Render() string {
	w := h.Snapshot.World
	var b strings.Builder

	fmt.Fprintf(&b, "=== IDENTITY ===\n")
	fmt.Fprintf(&b, "namespace: %s\n", w.Namespace)
	fmt.Fprintf(&b, "supertick: %d\n", w.Supertick)
	fmt.Fprintf(&b, "agent: %s @ %s facing %s\n", h.Actor.ID, h.Actor.Pos(), h.Actor.Facing)
	fmt.Fprintf(&b, "points: %d\n", h.Actor.Points)
	fmt.Fprintf(&b, "scopes: %s\n", joinIntents(h.Actor.Scopes))
	if h.Actor.CustomInstructions != "" {
		fmt.Fprintf(&b, "instructions: %s\n", h.Actor.CustomInstructions)
	}

	fmt.Fprintf(&b, "\n=== GOAL ===\n%s\n", orNone(w.Goal))

	fmt.Fprintf(&b, "\n=== LAST_TICK_RESULT ===\n")
	if h.LastResult == nil {
		fmt.Fprintf(&b, "none\n")
	} else {
		writeResult(&b, *h.LastResult)
		for _, rec := range h.History {
			fmt.Fprintf(&b, "---\n")
			writeResult(&b, rec)
		}
	}

	if adj := w.LastAdjudication; adj != nil {
		fmt.Fprintf(&b, "\n=== LAST_ADJUDICATION ===\n")
		fmt.Fprintf(&b, "supertick: %d\n", adj.Supertick)
		fmt.Fprintf(&b, "rationale: %s\n", adj.Rationale)
		fmt.Fprintf(&b, "feedback: %s\n", adj.Feedback)
		if delta, ok := adj.Contributions[h.Actor.ID]; ok {
			fmt.Fprintf(&b, "your_contribution: %+d\n", delta)
		}
	}

	fmt.Fprintf(&b, "\n=== TILES ===\n")
	painted := 0
	for _, c := range w.SortedTiles() {
		if !h.visible(c) {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", c, w.Tiles[c])
		painted++
	}
	if painted == 0 {
		fmt.Fprintf(&b, "none painted\n")
	}

	fmt.Fprintf(&b, "\n=== ACTORS ===\n")
	for _, id := range w.ActiveActorIDs() {
		a := w.Actors[id]
		if !h.visible(a.Pos()) {
			continue
		}
		fmt.Fprintf(&b, "%s @ %s facing %s\n", a.ID, a.Pos(), a.Facing)
	}

	fmt.Fprintf(&b, "\n=== CHAT ===\n")
	if len(h.Chat) == 0 {
		fmt.Fprintf(&b, "none\n")
	}
	for _, m := range h.Chat {
		fmt.Fprintf(&b, "[t%d] %s: %s\n", m.Supertick, m.FromID, m.Message)
	}

	fmt.Fprintf(&b, "\n=== MEMORIES ===\n")
	if len(h.Memories) == 0 {
		fmt.Fprintf(&b, "none\n")
	}
	for _, m := range h.Memories {
		fmt.Fprintf(&b, "- %s\n", m)
	}

	fmt.Fprintf(&b, "\n=== AVAILABLE_ACTIONS ===\n")
	for _, in := range h.Actor.Scopes {
		fmt.Fprintf(&b, "%s\n", actionUsage(in))
	}
	return b.String()
}

func writeResult(b *strings.Builder, rec AuditRecord) {
	fmt.Fprintf(b, "supertick: %d\n", rec.Supertick)
	fmt.Fprintf(b, "intent: %s\n", rec.ActionType)
	fmt.Fprintf(b, "outcome: %s\n", rec.Result)
	if rec.Reason != "" {
		fmt.Fprintf(b, "reason: %s\n", rec.Reason)
	}
	fmt.Fprintf(b, "points_delta: %+d\n", rec.PointsDelta)
}

func joinIntents(ins []Intent) string {
	ss := make([]string, len(ins))
	for i, in := range ins {
		ss[i] = string(in)
	}
	return strings.Join(ss, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func actionUsage(in Intent) string {
	switch in {
	case IntentMove:
		return "MOVE <N|S|E|W>"
	case IntentPaint:
		return "PAINT #RRGGBB [x y]"
	case IntentSpeak:
		return fmt.Sprintf("SPEAK <text, max %d bytes>", MaxSpeakLen)
	default:
		return string(in)
	}
}
