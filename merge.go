package monument

import (
	"fmt"
	"sort"
)

// ActionOutcome is the resolved result for one journal entry.
type ActionOutcome struct {
	ActorID string
	Intent  Intent
	Outcome Outcome
	Reason  string
}

// TileChange is one committed paint, recorded in tile history.
type TileChange struct {
	Cell     Coord
	OldColor string
	NewColor string
	ActorID  string
}

// Resolution is the full effect of merging one tick's journal against a
// frozen snapshot. It is a pure value; applying it to the store and the
// world happens inside the tick-commit transaction.
type Resolution struct {
	Supertick   int64
	Outcomes    []ActionOutcome // ordered by (supertick, actor) priority
	Moves       map[string]Coord
	TileChanges []TileChange
	Chats       []ChatMessage
}

// Outcome returns the resolved outcome for an actor, if present.
func (r *Resolution) Outcome(actorID string) (ActionOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.ActorID == actorID {
			return o, true
		}
	}
	return ActionOutcome{}, false
}

// Resolve merges one tick's journal entries against the frozen snapshot.
// Entries are processed in ascending (supertick, actor) order, which is the
// whole of the priority rule: for any contested cell the lexicographically
// smallest key wins and later claimants lose.
//
// Resolution is single-pass against S(n): move eligibility is judged on
// snapshot occupancy only, so a move into a cell being vacated this tick
// still loses. Journal commit order never influences outcomes.
func Resolve(snap *Snapshot, entries []JournalEntry) *Resolution {
	sorted := append([]JournalEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key().Less(sorted[j].Key())
	})

	w := snap.World
	res := &Resolution{
		Supertick: w.Supertick,
		Moves:     make(map[string]Coord),
	}

	occupied := make(map[Coord]string, len(w.Actors))
	for _, id := range w.ActiveActorIDs() {
		occupied[w.Actors[id].Pos()] = id
	}
	claimedMoves := make(map[Coord]string)
	claimedPaints := make(map[Coord]string)

	for _, e := range sorted {
		actor, ok := w.Actors[e.ActorID]
		if !ok || actor.Eliminated() {
			res.add(e, OutcomeInvalid, "actor not present in snapshot")
			continue
		}
		if e.Synthesized {
			res.add(e, OutcomeTimeout, "no submission before collect deadline")
			continue
		}

		switch e.Action.Intent {
		case IntentMove:
			target := actor.Pos().Step(e.Action.Direction)
			switch {
			case !w.InBounds(target):
				res.add(e, OutcomeInvalid, fmt.Sprintf("destination %s out of bounds", target))
			case occupied[target] != "" && occupied[target] != e.ActorID:
				res.add(e, OutcomeConflictLost, fmt.Sprintf("destination %s occupied by %s", target, occupied[target]))
			case claimedMoves[target] != "":
				res.add(e, OutcomeConflictLost, fmt.Sprintf("destination %s claimed by %s", target, claimedMoves[target]))
			default:
				claimedMoves[target] = e.ActorID
				res.Moves[e.ActorID] = target
				res.add(e, OutcomeSuccess, fmt.Sprintf("moved %s to %s", e.Action.Direction, target))
			}

		case IntentPaint:
			target := e.Action.PaintTarget(actor.Pos())
			switch {
			case !w.InBounds(target):
				res.add(e, OutcomeInvalid, fmt.Sprintf("target %s out of bounds", target))
			case claimedPaints[target] != "":
				res.add(e, OutcomeConflictLost, fmt.Sprintf("tile %s claimed by %s", target, claimedPaints[target]))
			default:
				claimedPaints[target] = e.ActorID
				old := w.Tiles[target]
				if old == e.Action.Color {
					res.add(e, OutcomeNoOp, fmt.Sprintf("tile %s already %s", target, old))
					break
				}
				res.TileChanges = append(res.TileChanges, TileChange{
					Cell:     target,
					OldColor: old,
					NewColor: e.Action.Color,
					ActorID:  e.ActorID,
				})
				res.add(e, OutcomeSuccess, fmt.Sprintf("painted %s %s", target, e.Action.Color))
			}

		case IntentSpeak:
			res.Chats = append(res.Chats, ChatMessage{
				Supertick: w.Supertick,
				FromID:    e.ActorID,
				Message:   e.Action.Message,
			})
			res.add(e, OutcomeSuccess, "message posted")

		case IntentWait:
			res.add(e, OutcomeSuccess, "waited")

		case IntentSkip:
			res.add(e, OutcomeSuccess, "skipped")

		default:
			res.add(e, OutcomeInvalid, fmt.Sprintf("unknown intent %q", e.Action.Intent))
		}
	}
	return res
}

func (r *Resolution) add(e JournalEntry, out Outcome, reason string) {
	intent := e.Action.Intent
	if intent == "" {
		intent = IntentWait
	}
	r.Outcomes = append(r.Outcomes, ActionOutcome{
		ActorID: e.ActorID,
		Intent:  intent,
		Outcome: out,
		Reason:  reason,
	})
}
