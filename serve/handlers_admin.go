package serve

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	monument "github.com/monument-sim/monument"
)

// --- Namespace Lifecycle ---

func (s *Server) handleListSims(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	namespaces, err := s.registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SimListResponse{Namespaces: namespaces})
}

// handleCreate builds a namespace from a JSON creation spec. Generated
// secrets are echoed back once; they are not retrievable afterwards.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	ns := r.PathValue("ns")

	var spec monument.CreateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "invalid JSON body"},
		})
		return
	}
	if spec.Namespace != "" && spec.Namespace != ns {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "invalid_namespace", Detail: "body namespace does not match path namespace"},
		})
		return
	}
	spec.Namespace = ns

	eng, err := s.registry.Create(r.Context(), &spec)
	if err != nil {
		writeError(w, err)
		return
	}

	actors := make([]AddActorResponse, 0, len(spec.Actors))
	for _, a := range spec.Actors {
		actors = append(actors, AddActorResponse{
			ID: a.ID, X: a.X, Y: a.Y, Facing: a.Facing, Secret: a.Secret,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"namespace": eng.Namespace(),
		"status":    eng.Status(),
		"actors":    actors,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if err := s.registry.Reset(r.PathValue("ns")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := eng.Reload(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng.Status())
}

// --- Actor Administration ---

func (s *Server) handleAddActor(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req AddActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "actor id is required"},
		})
		return
	}

	a := &monument.Actor{
		ID:                 req.ID,
		X:                  req.X,
		Y:                  req.Y,
		Facing:             monument.Facing(req.Facing),
		Secret:             req.Secret,
		CustomInstructions: req.CustomInstructions,
	}
	for _, raw := range req.Scopes {
		intent, ok := monument.ParseIntent(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: ErrorBody{Code: "malformed_action", Detail: "unknown scope " + raw},
			})
			return
		}
		a.Scopes = append(a.Scopes, intent)
	}
	if a.Secret == "" {
		a.Secret = uuid.NewString()
	}

	if err := eng.AddActor(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AddActorResponse{
		ID: a.ID, X: a.X, Y: a.Y, Facing: string(a.Facing), Secret: a.Secret,
	})
}

func (s *Server) handlePatchActor(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}

	var patch monument.ActorPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "invalid JSON body"},
		})
		return
	}

	actorID := r.PathValue("id")
	secret, err := eng.UpdateActor(r.Context(), actorID, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PatchActorResponse{ID: actorID, Secret: secret})
}

func (s *Server) handleEliminateActor(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := eng.Eliminate(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "eliminated"})
}

// --- Simulation Controls ---

func (s *Server) handleSetEpoch(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req EpochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Epoch < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "epoch must be a non-negative integer"},
		})
		return
	}
	if err := eng.SetEpoch(r.Context(), req.Epoch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng.Status())
}

func (s *Server) handleSetGoal(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req GoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "invalid JSON body"},
		})
		return
	}
	if err := eng.SetGoal(r.Context(), req.Goal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleForceAdvance(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := eng.ForceAdvance(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eng.Status())
}
