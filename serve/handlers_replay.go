package serve

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	monument "github.com/monument-sim/monument"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Status())
}

// handleReplay streams the per-tick event buckets for a tick range.
// Defaults cover everything the store holds.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	rep, err := monument.BuildReplay(eng, queryInt64(r, "from", 0), queryInt64(r, "to", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleReplayState reconstructs the world as of one past tick from the
// append-only histories.
func (s *Server) handleReplayState(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	raw := r.URL.Query().Get("tick")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "tick query parameter is required"},
		})
		return
	}
	tick, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "tick must be an integer"},
		})
		return
	}
	state, err := monument.BuildStateAt(eng, tick)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleReplayExport(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	export, err := monument.BuildExport(eng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// --- Adjudicator Surface ---

// handleScorePending shows the adjudicator what it is scoring: the
// public board state at the pause. Secrets never appear here.
func (s *Server) handleScorePending(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	world, err := eng.Store().LoadWorld()
	if err != nil {
		writeError(w, err)
		return
	}
	st := eng.Status()

	resp := PendingScoreResponse{
		Namespace: st.Namespace,
		Supertick: st.Supertick,
		Phase:     st.Phase,
		Width:     world.Width,
		Height:    world.Height,
		Goal:      world.Goal,
	}
	for _, c := range world.SortedTiles() {
		resp.Tiles = append(resp.Tiles, monument.TilePublic{X: c.X, Y: c.Y, Color: world.Tiles[c]})
	}
	ids := make([]string, 0, len(world.Actors))
	for id := range world.Actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		resp.Actors = append(resp.Actors, world.Actors[id].Public())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScoreSubmit commits one scoring round and resumes the loop.
func (s *Server) handleScoreSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "invalid JSON body"},
		})
		return
	}
	round := monument.Adjudication{
		SelectedTiles: req.SelectedTiles,
		Contributions: req.Contributions,
		Rationale:     req.Rationale,
		Feedback:      req.Feedback,
	}
	if err := eng.Score(r.Context(), round); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng.Status())
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
