package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	monument "github.com/monument-sim/monument"
)

// handleAgentContext renders the HUD for one actor. Auth is the
// X-Agent-Secret header; history_length and chat_length bound the HUD's
// rolling sections.
func (s *Server) handleAgentContext(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}

	res, err := eng.Context(r.Context(),
		r.PathValue("id"), r.Header.Get("X-Agent-Secret"),
		queryInt(r, "history_length", 0), queryInt(r, "chat_length", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAgentAction stages one action submission. The engine owns the
// whole validation chain; this handler only decodes the body.
func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engine(w, r)
	if !ok {
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{Code: "malformed_action", Detail: "invalid JSON body"},
		})
		return
	}
	if req.Namespace != "" && req.Namespace != eng.Namespace() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: ErrorBody{
				Code:   "invalid_namespace",
				Detail: fmt.Sprintf("body namespace %q does not match path namespace %q", req.Namespace, eng.Namespace()),
			},
		})
		return
	}

	sub := monument.Submission{
		Namespace:   eng.Namespace(),
		Supertick:   req.Supertick,
		ContextHash: req.ContextHash,
		ActorID:     r.PathValue("id"),
		Secret:      r.Header.Get("X-Agent-Secret"),
		Action:      req.Action,
		LLMInput:    req.LLMInput,
		LLMOutput:   req.LLMOutput,
	}
	if err := eng.Submit(r.Context(), sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{
		Status:  "submitted",
		Message: fmt.Sprintf("action accepted for supertick %d", req.Supertick),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
