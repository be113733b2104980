package monument

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Phase is the tick state machine phase of a namespace.
type Phase string

// Tick phases. Transitions are driven solely by the engine serializer.
const (
	PhaseSetup            Phase = "SETUP"
	PhaseCollect          Phase = "COLLECT"
	PhaseMerge            Phase = "MERGE"
	PhaseBroadcast        Phase = "BROADCAST"
	PhasePausedForScoring Phase = "PAUSED_FOR_SCORING"
	PhasePaused           Phase = "PAUSED"
)

// Facing is a cardinal direction.
type Facing string

// Cardinal directions. Grid origin is top-left; N decreases y.
const (
	North Facing = "N"
	South Facing = "S"
	East  Facing = "E"
	West  Facing = "W"
)

// Delta returns the (dx, dy) step for one move in this direction.
func (f Facing) Delta() (int, int) {
	switch f {
	case North:
		return 0, -1
	case South:
		return 0, 1
	case East:
		return 1, 0
	case West:
		return -1, 0
	}
	return 0, 0
}

// Valid reports whether f is one of the four cardinal directions.
func (f Facing) Valid() bool {
	switch f {
	case North, South, East, West:
		return true
	}
	return false
}

// Coord addresses a grid cell.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Coord) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// Step returns the neighbouring cell one move away in the given direction.
func (c Coord) Step(f Facing) Coord {
	dx, dy := f.Delta()
	return Coord{X: c.X + dx, Y: c.Y + dy}
}

// Actor is a registered participant in a namespace.
type Actor struct {
	ID                 string
	Secret             string
	X                  int
	Y                  int
	Facing             Facing
	Scopes             []Intent
	CustomInstructions string
	Points             int
	EliminatedAt       *time.Time
}

// Pos returns the actor's current cell.
func (a *Actor) Pos() Coord { return Coord{X: a.X, Y: a.Y} }

// Eliminated reports whether the actor has been removed from play.
func (a *Actor) Eliminated() bool { return a.EliminatedAt != nil }

// HasScope reports whether the actor is permitted to submit the intent.
func (a *Actor) HasScope(in Intent) bool {
	for _, s := range a.Scopes {
		if s == in {
			return true
		}
	}
	return false
}

// clone returns a deep copy of the actor.
func (a *Actor) clone() *Actor {
	cp := *a
	cp.Scopes = append([]Intent(nil), a.Scopes...)
	if a.EliminatedAt != nil {
		t := *a.EliminatedAt
		cp.EliminatedAt = &t
	}
	return &cp
}

// Adjudication records the outcome of one committed scoring round.
type Adjudication struct {
	Supertick     int64          `json:"supertick_id"`
	SelectedTiles []Coord        `json:"selected_tiles"`
	Contributions map[string]int `json:"contributions"`
	Rationale     string         `json:"rationale"`
	Feedback      string         `json:"feedback"`
	CreatedAt     time.Time      `json:"created_at"`
}

// World is the authoritative in-memory state of one namespace at the
// current tick. It is a write-through projection of the store: every
// mutation is committed to the store in the same transaction before it
// becomes visible here.
type World struct {
	Namespace        string
	Supertick        int64
	Width            int
	Height           int
	Tiles            map[Coord]string
	Actors           map[string]*Actor
	Goal             string
	LastAdjudication *Adjudication
	Phase            Phase
	Epoch            int64
	ViewRadius       int // 0 = full grid; fixed for the lifetime of the namespace
}

// InBounds reports whether the cell lies on the grid.
func (w *World) InBounds(c Coord) bool {
	return c.X >= 0 && c.X < w.Width && c.Y >= 0 && c.Y < w.Height
}

// ActorAt returns the non-eliminated actor occupying the cell, or nil.
func (w *World) ActorAt(c Coord) *Actor {
	for _, a := range w.Actors {
		if a.Eliminated() {
			continue
		}
		if a.X == c.X && a.Y == c.Y {
			return a
		}
	}
	return nil
}

// ActiveActorIDs returns the ids of non-eliminated actors in lexicographic
// order. This is the ordering used for hashing and conflict priority.
func (w *World) ActiveActorIDs() []string {
	ids := make([]string, 0, len(w.Actors))
	for id, a := range w.Actors {
		if !a.Eliminated() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SortedTiles returns all painted cells ordered by x then y.
func (w *World) SortedTiles() []Coord {
	cs := make([]Coord, 0, len(w.Tiles))
	for c := range w.Tiles {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].X != cs[j].X {
			return cs[i].X < cs[j].X
		}
		return cs[i].Y < cs[j].Y
	})
	return cs
}

// Clone returns a deep copy of the world. Snapshots are built from clones
// so later mutation never leaks into a frozen view.
func (w *World) Clone() *World {
	cp := &World{
		Namespace:  w.Namespace,
		Supertick:  w.Supertick,
		Width:      w.Width,
		Height:     w.Height,
		Tiles:      make(map[Coord]string, len(w.Tiles)),
		Actors:     make(map[string]*Actor, len(w.Actors)),
		Goal:       w.Goal,
		Phase:      w.Phase,
		Epoch:      w.Epoch,
		ViewRadius: w.ViewRadius,
	}
	for c, color := range w.Tiles {
		cp.Tiles[c] = color
	}
	for id, a := range w.Actors {
		cp.Actors[id] = a.clone()
	}
	if w.LastAdjudication != nil {
		adj := *w.LastAdjudication
		adj.SelectedTiles = append([]Coord(nil), w.LastAdjudication.SelectedTiles...)
		adj.Contributions = make(map[string]int, len(w.LastAdjudication.Contributions))
		for k, v := range w.LastAdjudication.Contributions {
			adj.Contributions[k] = v
		}
		cp.LastAdjudication = &adj
	}
	return cp
}

var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidNamespace reports whether id is a well-formed namespace identifier.
// Identifiers are never used as paths directly; the store joins them with
// a fixed suffix under the data directory.
func ValidNamespace(id string) bool {
	return namespaceRe.MatchString(id)
}
