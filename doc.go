// Package monument provides a multi-agent grid simulation engine with
// lockstep tick resolution.
//
// Monument is a Go library and server for running many LLM-driven agents
// on a shared pixel grid. It provides:
//
//   - A bulk-synchronous tick loop: collect one action per agent, merge
//     them deterministically, broadcast the next state
//   - Frozen per-tick snapshots stamped with a context hash, so stale
//     agents can never act on a world they have not seen
//   - An append-only journal and audit trail in a per-namespace SQLite file
//   - Periodic scoring pauses where an adjudicator awards points
//   - An HTTP and WebSocket API (serve package) and an agent-side client
//     (client package)
//
// # Quick Start
//
// Create a namespace from a spec and drive it directly:
//
//	cfg := monument.DefaultConfig()
//	registry := monument.NewRegistry(cfg, logger, nil)
//	defer registry.Shutdown()
//
//	spec, err := monument.LoadCreateSpec("world.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng, err := registry.Create(ctx, spec)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Agents fetch a context and answer with exactly one action per tick:
//
//	cx, err := eng.Context(ctx, "painter-1", secret, 0, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = eng.Submit(ctx, monument.Submission{
//	    Namespace:   cx.Namespace,
//	    Supertick:   cx.Supertick,
//	    ContextHash: cx.ContextHash,
//	    ActorID:     "painter-1",
//	    Secret:      secret,
//	    Action:      "PAINT #FF0000 3 4",
//	})
//
// # The Tick Cycle
//
// Each supertick moves through SETUP, COLLECT, MERGE and BROADCAST. The
// engine freezes a snapshot of the world when COLLECT opens and hashes it;
// submissions must echo both the supertick id and that hash or they are
// rejected with a 409-class error. When every live actor has submitted, or
// the collect deadline passes, the tick resolves: missing actors are
// journaled as TIMEOUT, actions merge in lexicographic (supertick, actor)
// order, and the audit trail records one outcome per actor — SUCCESS,
// INVALID, CONFLICT_LOST, TIMEOUT or NO_OP.
//
// Every scoring interval the loop parks in PAUSED_FOR_SCORING until an
// adjudicator posts points through Score; nothing advances while parked.
//
// # Actions
//
// An action is one line of text, verb first:
//
//	MOVE N
//	PAINT #FF0000 3 4
//	SPEAK left wall is mine
//	WAIT
//	SKIP
//
// ParseAction validates shape and bounds at intake; contention (two agents
// painting one cell, two agents walking into one cell) is resolved at
// merge time, where exactly one wins and the rest are CONFLICT_LOST.
//
// # Architecture
//
// The main components are:
//
//   - World: the grid, tiles and actors for one namespace
//   - Engine: one per namespace; serializes every mutation through a
//     single goroutine and owns the tick state machine
//   - Registry: maps namespace ids to running engines, backed by one
//     SQLite file per namespace
//   - Store: the append-only journal, audit, tile history and chat tables
//   - Snapshot: the frozen per-tick world view agents act against
//   - memory: embedded per-actor memory with recency-decayed recall
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Engine methods funnel
// through its serializer goroutine, so calls observe a consistent world
// and block while a merge is in flight.
package monument
