// Package client provides the agent-side HTTP client for a Monument
// simulation server.
//
// # Basic Usage
//
// A client is bound to one actor in one namespace:
//
//	c := client.New("http://localhost:8080", "demo", "alice", secret)
//
//	cx, err := c.FetchContext(ctx, 0, 0)
//	// feed cx.HUD to the decision layer, then:
//	err = c.SubmitAction(ctx, cx, "MOVE N", nil)
//
// # Tick Cycle
//
// Step wraps the fetch-decide-submit cycle and absorbs the two benign
// rejections: an action that was already accepted this tick, and a
// context that went stale between fetch and submit:
//
//	err := c.Step(ctx, func(cx *monument.ContextResult) (string, *client.Trace, error) {
//	    return decideFromHUD(cx.HUD), nil, nil
//	})
//	st, err := c.WaitForTick(ctx, cx.Supertick, 0)
//
// # Error Classification
//
// Rejections surface as *APIError. The server guarantees recognizable
// detail substrings for the automated cases, so callers classify without
// parsing payloads:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) {
//	    switch {
//	    case apiErr.AlreadySubmitted():
//	        // this tick is done
//	    case apiErr.Stale():
//	        // refetch context and decide again
//	    }
//	}
//
// Transport failures and 5xx responses are retried with exponential
// backoff inside every call; 4xx responses are never retried.
package client
