package monument

import (
	"sort"
	"time"
)

// ActorPublic is an actor as exposed to viewers and exports: everything
// but the secret.
type ActorPublic struct {
	ID         string `json:"id"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Facing     Facing `json:"facing"`
	Points     int    `json:"points"`
	Eliminated bool   `json:"eliminated,omitempty"`
}

// Public strips the actor down to its shareable fields.
func (a *Actor) Public() ActorPublic {
	return ActorPublic{
		ID: a.ID, X: a.X, Y: a.Y, Facing: a.Facing,
		Points: a.Points, Eliminated: a.Eliminated(),
	}
}

// TilePublic is one painted cell in an export.
type TilePublic struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

// Export is a complete static replay bundle for one namespace: current
// state plus every append-only log, enough to rebuild any past tick.
type Export struct {
	Namespace     string             `json:"namespace"`
	Supertick     int64              `json:"supertick_id"`
	Width         int                `json:"width"`
	Height        int                `json:"height"`
	Goal          string             `json:"goal"`
	Phase         Phase              `json:"phase"`
	Tiles         []TilePublic       `json:"tiles"`
	Actors        []ActorPublic      `json:"actors"`
	Audit         []AuditRecord      `json:"audit"`
	Chat          []ChatMessage      `json:"chat"`
	TileHistory   []TileHistoryEntry `json:"tile_history"`
	ScoringRounds []*Adjudication    `json:"scoring_rounds"`
	ExportedAt    time.Time          `json:"exported_at"`
}

// BuildExport assembles the full replay bundle from a namespace store.
func BuildExport(e *Engine) (*Export, error) {
	st := e.Store()
	w, err := st.LoadWorld()
	if err != nil {
		return nil, err
	}
	ex := &Export{
		Namespace:  w.Namespace,
		Supertick:  w.Supertick,
		Width:      w.Width,
		Height:     w.Height,
		Goal:       w.Goal,
		Phase:      e.phase(),
		ExportedAt: time.Now().UTC(),
	}
	for _, c := range w.SortedTiles() {
		ex.Tiles = append(ex.Tiles, TilePublic{X: c.X, Y: c.Y, Color: w.Tiles[c]})
	}
	ids := make([]string, 0, len(w.Actors))
	for id := range w.Actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ex.Actors = append(ex.Actors, w.Actors[id].Public())
	}
	if ex.Audit, err = st.AuditRange(0, w.Supertick); err != nil {
		return nil, err
	}
	if ex.Chat, err = st.RecentChat(1 << 20); err != nil {
		return nil, err
	}
	if ex.TileHistory, err = st.TileHistoryThrough(w.Supertick); err != nil {
		return nil, err
	}
	if ex.ScoringRounds, err = st.ScoringRounds(); err != nil {
		return nil, err
	}
	return ex, nil
}

// ActorPosition is one actor's recorded state at the end of a tick.
type ActorPosition struct {
	Supertick int64  `json:"supertick_id"`
	ActorID   string `json:"actor_id"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Facing    Facing `json:"facing"`
	Points    int    `json:"points"`
}

// TickBucket groups everything that happened in one tick.
type TickBucket struct {
	Supertick      int64              `json:"supertick_id"`
	Actions        []AuditRecord      `json:"actions"`
	TileUpdates    []TileHistoryEntry `json:"tile_updates,omitempty"`
	ActorPositions []ActorPosition    `json:"actor_positions,omitempty"`
	Chat           []ChatMessage      `json:"chat,omitempty"`
	Scoring        *Adjudication      `json:"scoring,omitempty"`
}

// Replay is a tick-range view of the append-only logs, bucketed per tick.
type Replay struct {
	Namespace string        `json:"namespace"`
	From      int64         `json:"from"`
	To        int64         `json:"to"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Goal      string        `json:"goal"`
	Agents    []ActorPublic `json:"agents"`
	Ticks     []TickBucket  `json:"ticks"`
}

// BuildReplay assembles per-tick buckets for from..to. The range is
// clamped to what the store actually holds.
func BuildReplay(e *Engine, from, to int64) (*Replay, error) {
	st := e.Store()
	w, err := st.LoadWorld()
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	if to <= 0 || to > w.Supertick {
		to = w.Supertick
	}
	if from > to {
		return nil, reject(ErrMalformedAction, "malformed_action",
			"replay range %d..%d is empty", from, to)
	}

	rep := &Replay{
		Namespace: w.Namespace,
		From:      from,
		To:        to,
		Width:     w.Width,
		Height:    w.Height,
		Goal:      w.Goal,
	}
	ids := make([]string, 0, len(w.Actors))
	for id := range w.Actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rep.Agents = append(rep.Agents, w.Actors[id].Public())
	}

	buckets := make(map[int64]*TickBucket)
	bucket := func(tick int64) *TickBucket {
		b, ok := buckets[tick]
		if !ok {
			b = &TickBucket{Supertick: tick}
			buckets[tick] = b
		}
		return b
	}

	audit, err := st.AuditRange(from, to)
	if err != nil {
		return nil, err
	}
	for _, rec := range audit {
		b := bucket(rec.Supertick)
		b.Actions = append(b.Actions, rec)
	}
	tiles, err := st.TileHistoryRange(from, to)
	if err != nil {
		return nil, err
	}
	for _, th := range tiles {
		b := bucket(th.Supertick)
		b.TileUpdates = append(b.TileUpdates, th)
	}
	positions, err := st.ActorHistoryRange(from, to)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		b := bucket(p.Supertick)
		b.ActorPositions = append(b.ActorPositions, p)
	}
	chat, err := st.ChatRange(from, to)
	if err != nil {
		return nil, err
	}
	for _, m := range chat {
		b := bucket(m.Supertick)
		b.Chat = append(b.Chat, m)
	}
	rounds, err := st.ScoringRounds()
	if err != nil {
		return nil, err
	}
	for _, adj := range rounds {
		if adj.Supertick >= from && adj.Supertick <= to {
			bucket(adj.Supertick).Scoring = adj
		}
	}

	ticks := make([]int64, 0, len(buckets))
	for t := range buckets {
		ticks = append(ticks, t)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	for _, t := range ticks {
		rep.Ticks = append(rep.Ticks, *buckets[t])
	}
	return rep, nil
}

// RebuildTiles folds tile history forward from an empty grid. The result
// for the latest tick must equal the live tiles table; anything else is
// store corruption.
func RebuildTiles(entries []TileHistoryEntry) map[Coord]string {
	tiles := make(map[Coord]string)
	for _, e := range entries {
		tiles[Coord{X: e.X, Y: e.Y}] = e.NewColor
	}
	return tiles
}

// StateAt is the reconstructed world at the end of one past tick.
type StateAt struct {
	Namespace string        `json:"namespace"`
	Supertick int64         `json:"supertick_id"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Tiles     []TilePublic  `json:"tiles"`
	Actors    []ActorPublic `json:"actors"`
	Audit     []AuditRecord `json:"audit"`
}

// BuildStateAt rebuilds tiles and actor positions as of the requested
// tick from the append-only histories.
func BuildStateAt(e *Engine, tick int64) (*StateAt, error) {
	st := e.Store()
	w, err := st.LoadWorld()
	if err != nil {
		return nil, err
	}
	if tick < 0 || tick > w.Supertick {
		return nil, reject(ErrMalformedAction, "malformed_action",
			"tick %d is out of range 0..%d", tick, w.Supertick)
	}
	hist, err := st.TileHistoryThrough(tick)
	if err != nil {
		return nil, err
	}
	tiles := RebuildTiles(hist)
	out := &StateAt{
		Namespace: w.Namespace,
		Supertick: tick,
		Width:     w.Width,
		Height:    w.Height,
	}
	coords := make([]Coord, 0, len(tiles))
	for c := range tiles {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].X != coords[j].X {
			return coords[i].X < coords[j].X
		}
		return coords[i].Y < coords[j].Y
	})
	for _, c := range coords {
		out.Tiles = append(out.Tiles, TilePublic{X: c.X, Y: c.Y, Color: tiles[c]})
	}

	positions, err := st.ActorPositionsAt(tick)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := positions[id]
		out.Actors = append(out.Actors, ActorPublic{
			ID: a.ID, X: a.X, Y: a.Y, Facing: a.Facing, Points: a.Points,
		})
	}
	if out.Audit, err = st.AuditRange(tick, tick); err != nil {
		return nil, err
	}
	return out, nil
}
