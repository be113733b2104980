package monument

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// enterCollectLocked opens COLLECT for the current supertick: phase flip,
// snapshot freeze, deadline arm, tick_started event. Callers hold e.mu or
// are the only goroutine with the engine (constructor, serializer).
func (e *Engine) enterCollectLocked() {
	e.world.Phase = PhaseCollect
	e.snap = Freeze(e.world)
	e.resetCollectTimer()
	e.logger.Info("engine: tick started",
		"namespace", e.store.Namespace, "supertick", e.world.Supertick,
		"hash", e.snap.Hash, "actors", len(e.world.ActiveActorIDs()))
	e.pub.Publish(Event{
		Type: EventTickStarted, Namespace: e.store.Namespace,
		Supertick: e.world.Supertick, At: time.Now().UTC(),
		Payload: TickStartedPayload{
			ContextHash: e.snap.Hash,
			ActorCount:  len(e.world.ActiveActorIDs()),
		},
	})
}

func (e *Engine) resetCollectTimer() {
	if e.collectTimer != nil {
		e.collectTimer.Stop()
		e.collectTimer = nil
	}
	if e.collectTimeout > 0 {
		e.collectTimer = time.NewTimer(e.collectTimeout)
	}
}

// nextPhaseFor decides where the machine lands after committing a tick.
// An epoch boundary outranks a scoring boundary.
func (e *Engine) nextPhaseFor(next int64) Phase {
	if e.world.Epoch > 0 && next >= e.world.Epoch {
		return PhasePaused
	}
	if e.scoringInterval > 0 && next%e.scoringInterval == 0 {
		return PhasePausedForScoring
	}
	return PhaseCollect
}

// advanceTick merges the current tick: synthesizes TIMEOUT entries for
// actors that never submitted, resolves the journal against the frozen
// snapshot and commits every effect in one transaction. Runs on the
// serializer only.
func (e *Engine) advanceTick() error {
	if e.faulted {
		return &TickError{Namespace: e.store.Namespace, Supertick: e.world.Supertick, Err: ErrNamespaceFaulted}
	}
	snap := e.snapshot()
	if snap == nil {
		return reject(ErrPhaseMismatch, "phase_mismatch", "namespace %q has no open tick", e.store.Namespace)
	}
	tick := snap.World.Supertick
	now := time.Now().UTC()
	mergeStart := time.Now()

	if e.collectTimer != nil {
		e.collectTimer.Stop()
		e.collectTimer = nil
	}
	e.mu.Lock()
	e.world.Phase = PhaseMerge
	e.mu.Unlock()

	entries, err := e.store.JournalFor(tick)
	if err != nil {
		return e.fault(tick, fmt.Errorf("load journal: %w", err))
	}
	byActor := make(map[string]JournalEntry, len(entries))
	for _, en := range entries {
		byActor[en.ActorID] = en
	}
	var missing []string
	for _, id := range snap.World.ActiveActorIDs() {
		if _, ok := byActor[id]; !ok {
			missing = append(missing, id)
			synth := JournalEntry{
				Supertick:   tick,
				ActorID:     id,
				Action:      Action{Intent: IntentWait},
				Synthesized: true,
				SubmittedAt: now,
			}
			entries = append(entries, synth)
			byActor[id] = synth
		}
	}

	res := Resolve(snap, entries)
	next := tick + 1
	nextPhase := e.nextPhaseFor(next)

	err = e.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		for _, id := range missing {
			if err := insertSynthesizedJournalTx(tx, tick, id, now); err != nil {
				return err
			}
		}
		for _, out := range res.Outcomes {
			if err := finalizeJournalTx(tx, tick, out.ActorID, out.Outcome, out.Reason); err != nil {
				return err
			}
			entry := byActor[out.ActorID]
			params, _ := json.Marshal(entry.Action)
			if err := insertAuditTx(tx, AuditRecord{
				Supertick:   tick,
				ActorID:     out.ActorID,
				ActionType:  out.Intent,
				Params:      string(params),
				Result:      out.Outcome,
				Reason:      out.Reason,
				ContextHash: snap.Hash,
				LLMInput:    entry.LLMInput,
				LLMOutput:   entry.LLMOutput,
				SubmittedAt: entry.SubmittedAt,
			}); err != nil {
				return err
			}
		}
		for _, tc := range res.TileChanges {
			if err := upsertTileTx(tx, tc.Cell, tc.NewColor); err != nil {
				return err
			}
			if err := insertTileHistoryTx(tx, TileHistoryEntry{
				X: tc.Cell.X, Y: tc.Cell.Y, Supertick: tick, ActorID: tc.ActorID,
				OldColor: tc.OldColor, NewColor: tc.NewColor,
				ActionType: string(IntentPaint), CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		for actorID, dest := range res.Moves {
			entry := byActor[actorID]
			if err := updateActorPosTx(tx, actorID, dest, entry.Action.Direction); err != nil {
				return err
			}
		}
		for _, msg := range res.Chats {
			msg.CreatedAt = now
			if err := insertChatTx(tx, msg); err != nil {
				return err
			}
		}
		for _, id := range snap.World.ActiveActorIDs() {
			a := snap.World.Actors[id].clone()
			if dest, ok := res.Moves[id]; ok {
				a.X, a.Y = dest.X, dest.Y
				a.Facing = byActor[id].Action.Direction
			}
			if err := insertActorHistoryTx(tx, tick, a, now); err != nil {
				return err
			}
		}
		if err := setMetaTx(tx, metaSupertick, fmt.Sprintf("%d", next)); err != nil {
			return err
		}
		return setMetaTx(tx, metaPhase, string(nextPhase))
	})
	if err != nil {
		return e.fault(tick, err)
	}

	e.mu.Lock()
	for _, tc := range res.TileChanges {
		e.world.Tiles[tc.Cell] = tc.NewColor
	}
	for actorID, dest := range res.Moves {
		if a, ok := e.world.Actors[actorID]; ok {
			a.X, a.Y = dest.X, dest.Y
			a.Facing = byActor[actorID].Action.Direction
		}
	}
	e.world.Supertick = next
	e.world.Phase = nextPhase
	e.mu.Unlock()

	outcomes := make(map[string]Outcome, len(res.Outcomes))
	for _, out := range res.Outcomes {
		outcomes[out.ActorID] = out.Outcome
	}
	e.logger.Info("engine: tick resolved",
		"namespace", e.store.Namespace, "supertick", tick,
		"actions", len(res.Outcomes), "tile_changes", len(res.TileChanges),
		"timeouts", len(missing), "next_phase", nextPhase)

	e.rememberOutcomes(res, tick)

	resolved := Event{
		Type: EventTickResolved, Namespace: e.store.Namespace,
		Supertick: tick, At: time.Now().UTC(),
		Payload: TickResolvedPayload{
			Outcomes:     outcomes,
			TileChanges:  len(res.TileChanges),
			NextPhase:    nextPhase,
			MergeSeconds: time.Since(mergeStart).Seconds(),
		},
	}

	switch nextPhase {
	case PhaseCollect:
		e.mu.Lock()
		e.enterCollectLocked()
		hash := e.snap.Hash
		e.mu.Unlock()
		if p, ok := resolved.Payload.(TickResolvedPayload); ok {
			p.NextHash = hash
			resolved.Payload = p
		}
		e.pub.Publish(resolved)
	case PhasePausedForScoring:
		e.pub.Publish(resolved)
		e.logger.Info("engine: paused for scoring", "namespace", e.store.Namespace, "supertick", next)
		e.pub.Publish(Event{
			Type: EventPausedForScoring, Namespace: e.store.Namespace,
			Supertick: next, At: time.Now().UTC(),
			Payload: ScoringPayload{Round: next},
		})
	case PhasePaused:
		e.pub.Publish(resolved)
		e.logger.Info("engine: paused at epoch",
			"namespace", e.store.Namespace, "supertick", next, "epoch", e.world.Epoch)
	}
	return nil
}

// fault marks the namespace unhealthy after a failed tick commit. The
// transaction has rolled back, so the store still holds the pre-merge
// state; the namespace refuses further requests until restarted.
func (e *Engine) fault(tick int64, err error) error {
	e.faulted = true
	e.mu.Lock()
	e.world.Phase = PhasePaused
	e.mu.Unlock()
	e.logger.Error("engine: tick commit failed; namespace faulted",
		"namespace", e.store.Namespace, "supertick", tick, "error", err)
	return &TickError{Namespace: e.store.Namespace, Supertick: tick, Err: err}
}

// rememberOutcomes writes one short memory per resolved actor so later
// context fetches can recall what happened. Best-effort.
func (e *Engine) rememberOutcomes(res *Resolution, tick int64) {
	if e.mem == nil {
		return
	}
	for _, out := range res.Outcomes {
		text := fmt.Sprintf("tick %d: %s -> %s (%s)", tick, out.Intent, out.Outcome, out.Reason)
		if err := e.mem.Store(context.Background(), out.ActorID, tick, text, 1.0); err != nil {
			e.logger.Warn("engine: memory store failed",
				"namespace", e.store.Namespace, "actor", out.ActorID, "error", err)
			return
		}
	}
}

// doScore commits one adjudication round and reopens COLLECT. Runs on the
// serializer.
func (e *Engine) doScore(round Adjudication) error {
	if e.faulted {
		return &TickError{Namespace: e.store.Namespace, Supertick: e.world.Supertick, Err: ErrNamespaceFaulted}
	}
	if e.phase() != PhasePausedForScoring {
		return reject(ErrPhaseMismatch, "phase_mismatch",
			"namespace %q is in phase %s; scoring requires PAUSED_FOR_SCORING", e.store.Namespace, e.phase())
	}
	for id := range round.Contributions {
		if _, ok := e.world.Actors[id]; !ok {
			return reject(ErrUnknownActor, "unknown_actor", "contribution names unknown actor %q", id)
		}
	}
	for _, c := range round.SelectedTiles {
		if !e.world.InBounds(c) {
			return reject(ErrMalformedAction, "malformed_action",
				"selected tile %s is outside the %dx%d grid", c, e.world.Width, e.world.Height)
		}
	}

	adj := round
	adj.Supertick = e.world.Supertick
	adj.CreatedAt = time.Now().UTC()
	if adj.Contributions == nil {
		adj.Contributions = map[string]int{}
	}

	err := e.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := insertScoringRoundTx(tx, adj); err != nil {
			return err
		}
		for id, delta := range adj.Contributions {
			if err := applyPointsTx(tx, id, delta); err != nil {
				return err
			}
		}
		return setMetaTx(tx, metaPhase, string(PhaseCollect))
	})
	if err != nil {
		return e.fault(adj.Supertick, err)
	}

	e.mu.Lock()
	for id, delta := range adj.Contributions {
		if a, ok := e.world.Actors[id]; ok {
			a.Points += delta
		}
	}
	e.world.LastAdjudication = &adj
	e.mu.Unlock()

	e.logger.Info("engine: scoring committed",
		"namespace", e.store.Namespace, "supertick", adj.Supertick,
		"contributions", len(adj.Contributions))
	e.pub.Publish(Event{
		Type: EventScoringCommitted, Namespace: e.store.Namespace,
		Supertick: adj.Supertick, At: time.Now().UTC(),
		Payload: ScoringPayload{Round: adj.Supertick, Feedback: adj.Feedback, Deltas: adj.Contributions},
	})

	if e.mem != nil && adj.Feedback != "" {
		for id := range adj.Contributions {
			text := fmt.Sprintf("adjudication at tick %d: %s", adj.Supertick, adj.Feedback)
			if err := e.mem.Store(context.Background(), id, adj.Supertick, text, 1.5); err != nil {
				e.logger.Warn("engine: memory store failed",
					"namespace", e.store.Namespace, "actor", id, "error", err)
				break
			}
		}
	}

	e.mu.Lock()
	e.enterCollectLocked()
	e.mu.Unlock()
	return nil
}

// doSetEpoch persists a new epoch and pauses or resumes as the boundary
// dictates. Runs on the serializer.
func (e *Engine) doSetEpoch(epoch int64) error {
	if e.faulted {
		return &TickError{Namespace: e.store.Namespace, Supertick: e.world.Supertick, Err: ErrNamespaceFaulted}
	}
	if epoch < 0 {
		return reject(ErrMalformedAction, "malformed_action", "epoch must be non-negative, got %d", epoch)
	}
	if err := e.store.SetMeta(context.Background(), metaEpoch, fmt.Sprintf("%d", epoch)); err != nil {
		return err
	}
	e.mu.Lock()
	e.world.Epoch = epoch
	phase := e.world.Phase
	tick := e.world.Supertick
	e.mu.Unlock()
	e.logger.Info("engine: epoch set", "namespace", e.store.Namespace, "epoch", epoch)

	switch {
	case phase == PhasePaused && (epoch == 0 || tick < epoch):
		if err := e.store.SetMeta(context.Background(), metaPhase, string(PhaseCollect)); err != nil {
			return err
		}
		e.mu.Lock()
		e.enterCollectLocked()
		e.mu.Unlock()
	case phase == PhaseCollect && epoch > 0 && tick >= epoch:
		if err := e.store.SetMeta(context.Background(), metaPhase, string(PhasePaused)); err != nil {
			return err
		}
		e.mu.Lock()
		e.world.Phase = PhasePaused
		e.mu.Unlock()
		if e.collectTimer != nil {
			e.collectTimer.Stop()
			e.collectTimer = nil
		}
		e.logger.Info("engine: paused at epoch", "namespace", e.store.Namespace, "supertick", tick, "epoch", epoch)
	}
	return nil
}

// Reload rebuilds the in-memory world from the store. Used after
// out-of-band edits; an open COLLECT refreezes, so the context hash
// changes and stale clients are rejected.
func (e *Engine) Reload(ctx context.Context) error {
	return e.do(ctx, func() error {
		w, err := e.store.LoadWorld()
		if err != nil {
			return err
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		e.world = w
		if w.Phase == PhaseCollect {
			e.enterCollectLocked()
		} else {
			e.snap = nil
		}
		e.logger.Info("engine: world reloaded", "namespace", e.store.Namespace, "supertick", w.Supertick, "phase", w.Phase)
		return nil
	})
}
