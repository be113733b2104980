package monument

import "time"

// EventType identifies one discrete engine event on the live stream.
type EventType string

// Live stream event types. All are fire-and-forget; slow subscribers drop.
const (
	EventTickStarted        EventType = "tick_started"
	EventSubmissionReceived EventType = "submission_received"
	EventTickResolved       EventType = "tick_resolved"
	EventPausedForScoring   EventType = "paused_for_scoring"
	EventScoringCommitted   EventType = "scoring_committed"
)

// Event is one namespaced engine event. Payload is event-specific and
// JSON-serializable.
type Event struct {
	Type      EventType `json:"type"`
	Namespace string    `json:"namespace"`
	Supertick int64     `json:"supertick_id"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// TickStartedPayload accompanies tick_started.
type TickStartedPayload struct {
	ContextHash string `json:"context_hash"`
	ActorCount  int    `json:"actor_count"`
}

// SubmissionPayload accompanies submission_received.
type SubmissionPayload struct {
	ActorID string `json:"actor_id"`
	Intent  Intent `json:"intent"`
	Pending int    `json:"pending"` // actors still to submit this tick
}

// TickResolvedPayload accompanies tick_resolved.
type TickResolvedPayload struct {
	Outcomes     map[string]Outcome `json:"outcomes"`
	TileChanges  int                `json:"tile_changes"`
	NextHash     string             `json:"next_hash,omitempty"`
	NextPhase    Phase              `json:"next_phase"`
	MergeSeconds float64            `json:"merge_seconds"`
}

// ScoringPayload accompanies paused_for_scoring and scoring_committed.
type ScoringPayload struct {
	Round    int64          `json:"round_supertick"`
	Feedback string         `json:"feedback,omitempty"`
	Deltas   map[string]int `json:"deltas,omitempty"`
}

// Publisher receives engine events. The serve layer's broker implements
// this; a nil publisher is valid and discards events.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }
