// Package memory provides per-actor episodic recall for simulation
// agents. Memories are stored with a salience weight and recalled by
// semantic similarity decayed over simulation time:
//
//	final_score = cosine(query, embedding) * salience_base * exp(-age / half_life_ticks)
//
// where age is measured in superticks. The engine passes recalled
// memories into agent context opaquely.
package memory

import (
	"context"
	"fmt"
	"math"
)

// Memory is one recalled item.
type Memory struct {
	ID           string  `json:"id"`
	ActorID      string  `json:"actor_id"`
	Tick         int64   `json:"tick"`
	Text         string  `json:"text"`
	SalienceBase float64 `json:"salience_base"`
	Score        float64 `json:"score"`
}

// Line renders the memory as a single HUD line.
func (m Memory) Line() string {
	return fmt.Sprintf("[%.2f] %s", m.Score, m.Text)
}

// Service is the recall contract consumed by the context builder.
type Service interface {
	// Recall returns up to k memories for the actor ranked against the
	// query at the given tick, best first.
	Recall(ctx context.Context, actorID, query string, k int, currentTick int64) ([]Memory, error)
	// Store saves one memory with its salience weight.
	Store(ctx context.Context, actorID string, tick int64, text string, salienceBase float64) error
}

// decay returns the time component of the ranking formula.
func decay(age, halfLife float64) float64 {
	if halfLife <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / halfLife)
}
