package serve

import (
	"errors"
	"net/http"

	monument "github.com/monument-sim/monument"
)

// --- Request Types ---

// ActionRequest is the body of an agent action submission. The secret
// travels in the X-Agent-Secret header, never in the body.
type ActionRequest struct {
	Namespace   string `json:"namespace"`
	Supertick   int64  `json:"supertick_id"`
	ContextHash string `json:"context_hash"`
	Action      string `json:"action"`
	LLMInput    string `json:"llm_input,omitempty"`
	LLMOutput   string `json:"llm_output,omitempty"`
}

// ScoreRequest is the adjudicator's scoring-round submission.
type ScoreRequest struct {
	SelectedTiles []monument.Coord `json:"selected_tiles"`
	Contributions map[string]int   `json:"contributions_by_actor"`
	Rationale     string           `json:"rationale,omitempty"`
	Feedback      string           `json:"feedback,omitempty"`
}

// AddActorRequest registers one actor via the admin surface.
type AddActorRequest struct {
	ID                 string   `json:"id"`
	X                  int      `json:"x"`
	Y                  int      `json:"y"`
	Facing             string   `json:"facing,omitempty"`
	Secret             string   `json:"secret,omitempty"`
	Scopes             []string `json:"scopes,omitempty"`
	CustomInstructions string   `json:"custom_instructions,omitempty"`
}

// EpochRequest moves the namespace's auto-pause boundary.
type EpochRequest struct {
	Epoch int64 `json:"epoch"`
}

// GoalRequest replaces the namespace goal.
type GoalRequest struct {
	Goal string `json:"goal"`
}

// --- Response Types ---

// ActionResponse is returned on a successful submission.
type ActionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// AddActorResponse echoes the registered actor and its secret. This is
// the only place a secret crosses the wire outbound.
type AddActorResponse struct {
	ID     string `json:"id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Facing string `json:"facing"`
	Secret string `json:"secret"`
}

// PatchActorResponse confirms an admin patch; Secret is set only when
// rotation was requested.
type PatchActorResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret,omitempty"`
}

// PendingScoreResponse describes the state the adjudicator must score.
type PendingScoreResponse struct {
	Namespace string                 `json:"namespace"`
	Supertick int64                  `json:"supertick_id"`
	Phase     monument.Phase         `json:"phase"`
	Width     int                    `json:"width"`
	Height    int                    `json:"height"`
	Goal      string                 `json:"goal"`
	Tiles     []monument.TilePublic  `json:"tiles"`
	Actors    []monument.ActorPublic `json:"actors"`
}

// SimListResponse lists known namespaces.
type SimListResponse struct {
	Namespaces []string `json:"namespaces"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorBody carries a machine code and a human-readable detail.
type ErrorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// ErrorResponse is the envelope for every non-2xx payload.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// httpStatus maps engine errors onto wire status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, monument.ErrInvalidNamespace),
		errors.Is(err, monument.ErrMalformedAction):
		return http.StatusBadRequest
	case errors.Is(err, monument.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, monument.ErrScopeDenied),
		errors.Is(err, monument.ErrActorEliminated):
		return http.StatusForbidden
	case errors.Is(err, monument.ErrUnknownNamespace),
		errors.Is(err, monument.ErrUnknownActor):
		return http.StatusNotFound
	case errors.Is(err, monument.ErrPhaseMismatch),
		errors.Is(err, monument.ErrSupertickMismatch),
		errors.Is(err, monument.ErrContextHashMismatch),
		errors.Is(err, monument.ErrAlreadySubmitted):
		return http.StatusConflict
	case errors.Is(err, monument.ErrStoreBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody extracts the machine code and detail from an engine error.
func errorBody(err error) ErrorBody {
	var rej *monument.RejectError
	if errors.As(err, &rej) {
		return ErrorBody{Code: rej.Code, Detail: rej.Detail}
	}
	var tick *monument.TickError
	if errors.As(err, &tick) {
		return ErrorBody{Code: "faulted", Detail: tick.Error()}
	}
	switch {
	case errors.Is(err, monument.ErrSchemaMismatch):
		return ErrorBody{Code: "schema_mismatch", Detail: err.Error()}
	case errors.Is(err, monument.ErrStoreBusy):
		return ErrorBody{Code: "store_busy", Detail: err.Error()}
	case errors.Is(err, monument.ErrEngineStopped):
		return ErrorBody{Code: "engine_stopped", Detail: err.Error()}
	}
	return ErrorBody{Code: "internal", Detail: err.Error()}
}
