package monument

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monument-sim/monument/memory"
)

// Engine drives the BSP loop for one namespace. All mutating operations
// are funneled through a single serializer goroutine, so phase
// transitions, intake writes and merges never interleave. Reads (context,
// status, replay) go straight to the frozen snapshot and the store.
type Engine struct {
	cfg    Config
	store  *Store
	mem    memory.Service
	pub    Publisher
	logger *slog.Logger

	// mu guards world and snap. The serializer takes the write lock for
	// mutations; readers copy the snap pointer under the read lock and
	// use it freely afterwards since snapshots are immutable.
	mu    sync.RWMutex
	world *World
	snap  *Snapshot

	// Per-namespace overrides loaded from meta; zero falls back to cfg.
	collectTimeout  time.Duration
	scoringInterval int64

	cmds         chan func()
	stopped      chan struct{}
	stopOnce     sync.Once
	collectTimer *time.Timer
	faulted      bool
}

// NewEngine restores a namespace engine from its store and starts the
// serializer. If the world has actors the engine (re-)enters COLLECT and
// freezes the first snapshot immediately.
func NewEngine(cfg Config, st *Store, mem memory.Service, pub Publisher, logger *slog.Logger) (*Engine, error) {
	w, err := st.LoadWorld()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = PublisherFunc(func(Event) {})
	}
	e := &Engine{
		cfg:             cfg,
		store:           st,
		mem:             mem,
		pub:             pub,
		logger:          logger,
		world:           w,
		collectTimeout:  cfg.CollectTimeout,
		scoringInterval: cfg.ScoringInterval,
		cmds:            make(chan func()),
		stopped:         make(chan struct{}),
	}
	if ms, err := st.GetMeta(metaCollectTimeoutMS); err == nil && ms != "" {
		if n, perr := strconv.Atoi(ms); perr == nil {
			e.collectTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if iv, err := st.GetMeta(metaScoringInterval); err == nil && iv != "" {
		if n, perr := strconv.ParseInt(iv, 10, 64); perr == nil {
			e.scoringInterval = n
		}
	}
	loaded := w.Phase
	e.normalizeBootPhase()
	if e.world.Phase != loaded {
		if err := st.SetMeta(context.Background(), metaPhase, string(e.world.Phase)); err != nil {
			return nil, err
		}
	}
	go e.run()
	return e, nil
}

// normalizeBootPhase maps whatever phase the store recorded onto a phase
// the engine can resume from. MERGE and BROADCAST are transient: if the
// store still shows them, the tick commit never landed and the current
// tick simply re-enters COLLECT.
func (e *Engine) normalizeBootPhase() {
	w := e.world
	switch w.Phase {
	case PhasePaused, PhasePausedForScoring:
		// Stay paused; resume comes from the admin or adjudicator surface.
	case PhaseSetup:
		if len(w.ActiveActorIDs()) > 0 {
			e.enterCollectLocked()
		}
	default:
		if len(w.ActiveActorIDs()) == 0 {
			w.Phase = PhaseSetup
			return
		}
		e.enterCollectLocked()
	}
}

// run is the serializer loop. Everything that mutates the world executes
// here, one command at a time.
func (e *Engine) run() {
	for {
		select {
		case fn, ok := <-e.cmds:
			if !ok {
				return
			}
			fn()
		case <-e.deadlineC():
			e.collectTimer = nil
			if err := e.advanceTick(); err != nil {
				e.logger.Error("engine: deadline merge failed", "namespace", e.store.Namespace, "error", err)
			}
		case <-e.stopped:
			return
		}
	}
}

func (e *Engine) deadlineC() <-chan time.Time {
	if e.collectTimer == nil {
		return nil
	}
	return e.collectTimer.C
}

// do runs fn on the serializer goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.cmds <- func() { done <- fn() }:
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return ErrEngineStopped
	}
}

// Stop shuts the serializer down. In-flight commands finish; later calls
// fail with ErrEngineStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.logger.Info("engine: stopped", "namespace", e.store.Namespace)
	})
}

// Namespace returns the namespace this engine serves.
func (e *Engine) Namespace() string {
	return e.store.Namespace
}

// Store exposes the namespace store for read-only collaborators (replay).
func (e *Engine) Store() *Store {
	return e.store
}

// Submit validates one agent submission against the frozen snapshot and,
// on success, stages it in the journal. When the last pending actor
// submits, the tick merges before Submit returns.
func (e *Engine) Submit(ctx context.Context, sub Submission) error {
	return e.do(ctx, func() error { return e.doSubmit(sub) })
}

// doSubmit runs on the serializer. Validation order is fixed; the first
// failing check decides the rejection. Every check reads the frozen
// snapshot, never the live world.
func (e *Engine) doSubmit(sub Submission) error {
	if e.faulted {
		return &TickError{Namespace: e.store.Namespace, Supertick: e.world.Supertick, Err: ErrNamespaceFaulted}
	}
	snap := e.snapshot()
	if snap == nil || e.phase() != PhaseCollect {
		return reject(ErrPhaseMismatch, "phase_mismatch",
			"namespace %q is in phase %s; submissions are accepted only during COLLECT", e.store.Namespace, e.phase())
	}
	actor, ok := snap.World.Actors[sub.ActorID]
	if !ok {
		return reject(ErrUnknownActor, "unknown_actor", "actor %q not found", sub.ActorID)
	}
	if actor.Eliminated() {
		return reject(ErrActorEliminated, "actor_eliminated", "actor %q has been eliminated", sub.ActorID)
	}
	if actor.Secret != sub.Secret {
		return reject(ErrAuthFailed, "auth_failed", "bad secret for actor %q", sub.ActorID)
	}
	if sub.Supertick != snap.World.Supertick {
		return reject(ErrSupertickMismatch, "supertick_mismatch",
			"Supertick mismatch: submitted %d, current %d", sub.Supertick, snap.World.Supertick)
	}
	if sub.ContextHash != snap.Hash {
		return reject(ErrContextHashMismatch, "context_hash_mismatch",
			"Context hash mismatch: submitted %q, current %q", sub.ContextHash, snap.Hash)
	}
	exists, err := e.store.HasJournal(snap.World.Supertick, sub.ActorID)
	if err != nil {
		return err
	}
	if exists {
		return reject(ErrAlreadySubmitted, "already_submitted",
			"actor %q already submitted for supertick %d", sub.ActorID, snap.World.Supertick)
	}
	intent, ok := intentOf(sub.Action)
	if !ok {
		return reject(ErrMalformedAction, "malformed_action", "unknown action verb in %q", sub.Action)
	}
	if !actor.HasScope(intent) {
		return reject(ErrScopeDenied, "scope_denied",
			"actor %q may not %s; permitted: %s", sub.ActorID, intent, joinIntents(actor.Scopes))
	}
	act, err := ParseAction(sub.Action)
	if err != nil {
		return err
	}
	if err := act.validateParams(snap, actor); err != nil {
		return err
	}

	entry := JournalEntry{
		Supertick:   snap.World.Supertick,
		ActorID:     sub.ActorID,
		Action:      act,
		Status:      "pending",
		LLMInput:    sub.LLMInput,
		LLMOutput:   sub.LLMOutput,
		SubmittedAt: time.Now().UTC(),
	}
	if err := e.store.InsertJournal(context.Background(), entry); err != nil {
		return err
	}

	submitted, err := e.store.SubmittedActors(snap.World.Supertick)
	if err != nil {
		return err
	}
	pending := 0
	for _, id := range snap.World.ActiveActorIDs() {
		if !submitted[id] {
			pending++
		}
	}
	e.logger.Info("engine: submission staged",
		"namespace", e.store.Namespace, "supertick", snap.World.Supertick,
		"actor", sub.ActorID, "intent", intent, "pending", pending)
	e.pub.Publish(Event{
		Type: EventSubmissionReceived, Namespace: e.store.Namespace,
		Supertick: snap.World.Supertick, At: time.Now().UTC(),
		Payload: SubmissionPayload{ActorID: sub.ActorID, Intent: intent, Pending: pending},
	})
	if pending == 0 {
		return e.advanceTick()
	}
	return nil
}

// intentOf extracts just the action verb so scope denial can be reported
// before parameter errors.
func intentOf(raw string) (Intent, bool) {
	verb, _, _ := strings.Cut(strings.TrimSpace(raw), " ")
	return ParseIntent(verb)
}

// ForceAdvance ends COLLECT now, synthesizing TIMEOUT entries for actors
// that have not submitted.
func (e *Engine) ForceAdvance(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.phase() != PhaseCollect {
			return reject(ErrPhaseMismatch, "phase_mismatch",
				"namespace %q is in phase %s; cannot advance", e.store.Namespace, e.phase())
		}
		return e.advanceTick()
	})
}

// Score commits an adjudication round and resumes COLLECT.
func (e *Engine) Score(ctx context.Context, round Adjudication) error {
	return e.do(ctx, func() error { return e.doScore(round) })
}

// SetGoal updates the namespace goal. The frozen snapshot is left alone;
// agents see the new goal from the next tick's context.
func (e *Engine) SetGoal(ctx context.Context, goal string) error {
	return e.do(ctx, func() error {
		if err := e.store.SetMeta(context.Background(), metaGoal, goal); err != nil {
			return err
		}
		e.mu.Lock()
		e.world.Goal = goal
		e.mu.Unlock()
		e.logger.Info("engine: goal updated", "namespace", e.store.Namespace)
		return nil
	})
}

// SetEpoch moves the auto-pause boundary. Raising it past the current
// supertick resumes a PAUSED namespace.
func (e *Engine) SetEpoch(ctx context.Context, epoch int64) error {
	return e.do(ctx, func() error { return e.doSetEpoch(epoch) })
}

// AddActor registers an actor. During SETUP the first actor starts the
// simulation; during a running tick the newcomer joins the next snapshot.
func (e *Engine) AddActor(ctx context.Context, a *Actor) error {
	return e.do(ctx, func() error { return e.doAddActor(a) })
}

// Eliminate removes an actor from play at the next snapshot.
func (e *Engine) Eliminate(ctx context.Context, actorID string) error {
	return e.do(ctx, func() error {
		e.mu.Lock()
		a, ok := e.world.Actors[actorID]
		e.mu.Unlock()
		if !ok {
			return reject(ErrUnknownActor, "unknown_actor", "actor %q not found", actorID)
		}
		if a.Eliminated() {
			return nil
		}
		if err := e.store.EliminateActor(context.Background(), actorID); err != nil {
			return err
		}
		now := time.Now().UTC()
		e.mu.Lock()
		a.EliminatedAt = &now
		e.mu.Unlock()
		e.logger.Info("engine: actor eliminated", "namespace", e.store.Namespace, "actor", actorID)
		return nil
	})
}

// ActorPatch carries optional admin updates for one actor. Nil or empty
// fields are left untouched.
type ActorPatch struct {
	Instructions *string  `json:"custom_instructions,omitempty"`
	Scopes       []Intent `json:"scopes,omitempty"`
	RotateSecret bool     `json:"rotate_secret,omitempty"`
}

// UpdateActor applies an admin patch. Changes land in the live world
// immediately but reach agents at the next snapshot; the rotated secret,
// if requested, is returned so the operator can hand it to the agent.
func (e *Engine) UpdateActor(ctx context.Context, actorID string, patch ActorPatch) (string, error) {
	var rotated string
	err := e.do(ctx, func() error {
		e.mu.Lock()
		a, ok := e.world.Actors[actorID]
		e.mu.Unlock()
		if !ok {
			return reject(ErrUnknownActor, "unknown_actor", "actor %q not found", actorID)
		}
		if patch.Instructions != nil {
			if err := e.store.UpdateActorInstructions(context.Background(), actorID, *patch.Instructions); err != nil {
				return err
			}
			e.mu.Lock()
			a.CustomInstructions = *patch.Instructions
			e.mu.Unlock()
		}
		if len(patch.Scopes) > 0 {
			for _, sc := range patch.Scopes {
				if _, ok := ParseIntent(string(sc)); !ok {
					return reject(ErrMalformedAction, "malformed_action", "unknown scope %q", sc)
				}
			}
			if err := e.store.UpdateActorScopes(context.Background(), actorID, patch.Scopes); err != nil {
				return err
			}
			e.mu.Lock()
			a.Scopes = append([]Intent(nil), patch.Scopes...)
			e.mu.Unlock()
		}
		if patch.RotateSecret {
			secret := uuid.NewString()
			if err := e.store.UpdateActorSecret(context.Background(), actorID, secret); err != nil {
				return err
			}
			e.mu.Lock()
			a.Secret = secret
			e.mu.Unlock()
			rotated = secret
		}
		e.logger.Info("engine: actor updated", "namespace", e.store.Namespace, "actor", actorID)
		return nil
	})
	return rotated, err
}

func (e *Engine) doAddActor(a *Actor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.world.Actors[a.ID]; exists {
		return reject(ErrMalformedAction, "actor_exists", "actor %q already registered", a.ID)
	}
	if !e.world.InBounds(a.Pos()) {
		return reject(ErrMalformedAction, "malformed_action",
			"actor position %s is outside the %dx%d grid", a.Pos(), e.world.Width, e.world.Height)
	}
	if occ := e.world.ActorAt(a.Pos()); occ != nil {
		return reject(ErrMalformedAction, "malformed_action",
			"cell %s is occupied by %s", a.Pos(), occ.ID)
	}
	if len(a.Scopes) == 0 {
		a.Scopes = append([]Intent(nil), AllIntents...)
	}
	if !a.Facing.Valid() {
		a.Facing = North
	}
	if err := e.store.InsertActor(context.Background(), a); err != nil {
		return err
	}
	e.world.Actors[a.ID] = a
	e.logger.Info("engine: actor registered",
		"namespace", e.store.Namespace, "actor", a.ID, "pos", a.Pos())
	if e.world.Phase == PhaseSetup {
		e.enterCollectLocked()
	}
	return nil
}

// snapshot returns the current frozen snapshot, which may be nil in SETUP.
func (e *Engine) snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

func (e *Engine) phase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.world.Phase
}

// Status is the public, unauthenticated view of a namespace.
type Status struct {
	Namespace   string `json:"namespace"`
	Phase       Phase  `json:"phase"`
	Supertick   int64  `json:"supertick_id"`
	ContextHash string `json:"context_hash,omitempty"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Actors      int    `json:"actors"`
	Submitted   int    `json:"submitted"`
	Epoch       int64  `json:"epoch,omitempty"`
	Goal        string `json:"goal,omitempty"`
	Faulted     bool   `json:"faulted,omitempty"`
}

// Status reports the namespace's current public state.
func (e *Engine) Status() Status {
	e.mu.RLock()
	w := e.world
	st := Status{
		Namespace: e.store.Namespace,
		Phase:     w.Phase,
		Supertick: w.Supertick,
		Width:     w.Width,
		Height:    w.Height,
		Actors:    len(w.ActiveActorIDs()),
		Epoch:     w.Epoch,
		Goal:      w.Goal,
		Faulted:   e.faulted,
	}
	snap := e.snap
	e.mu.RUnlock()
	if snap != nil {
		st.ContextHash = snap.Hash
	}
	if submitted, err := e.store.SubmittedActors(st.Supertick); err == nil {
		st.Submitted = len(submitted)
	}
	return st
}

// ContextResult is the payload of a context fetch.
type ContextResult struct {
	Namespace   string `json:"namespace"`
	Supertick   int64  `json:"supertick_id"`
	ContextHash string `json:"context_hash"`
	Phase       Phase  `json:"phase"`
	HUD         string `json:"hud"`
}

// Context renders the HUD for one actor against the frozen snapshot. It
// never touches the serializer, so context fetches proceed while a tick
// is merging.
func (e *Engine) Context(ctx context.Context, actorID, secret string, historyLen, chatLen int) (*ContextResult, error) {
	e.mu.RLock()
	snap := e.snap
	phase := e.world.Phase
	e.mu.RUnlock()
	if snap == nil {
		return nil, reject(ErrPhaseMismatch, "phase_mismatch",
			"namespace %q is in SETUP; no snapshot yet", e.store.Namespace)
	}
	actor, ok := snap.World.Actors[actorID]
	if !ok {
		return nil, reject(ErrUnknownActor, "unknown_actor", "actor %q not found", actorID)
	}
	if actor.Eliminated() {
		return nil, reject(ErrActorEliminated, "actor_eliminated", "actor %q has been eliminated", actorID)
	}
	if actor.Secret != secret {
		return nil, reject(ErrAuthFailed, "auth_failed", "bad secret for actor %q", actorID)
	}
	if historyLen <= 0 {
		historyLen = e.cfg.HistoryLength
	}
	if chatLen <= 0 {
		chatLen = e.cfg.ChatLength
	}

	hud := &HUD{Snapshot: snap, Actor: actor}
	recs, err := e.store.AuditForActor(actorID, historyLen)
	if err != nil {
		return nil, err
	}
	if len(recs) > 0 {
		hud.LastResult = &recs[0]
		hud.History = recs[1:]
	}
	chat, err := e.store.RecentChat(chatLen)
	if err != nil {
		return nil, err
	}
	hud.Chat = chat
	if e.mem != nil && snap.World.Goal != "" {
		mems, err := e.mem.Recall(ctx, actorID, snap.World.Goal, e.cfg.MemoryRecallK, snap.World.Supertick)
		if err != nil {
			e.logger.Warn("engine: memory recall failed",
				"namespace", e.store.Namespace, "actor", actorID, "error", err)
		}
		for _, m := range mems {
			hud.Memories = append(hud.Memories, m.Line())
		}
	}

	return &ContextResult{
		Namespace:   e.store.Namespace,
		Supertick:   snap.World.Supertick,
		ContextHash: snap.Hash,
		Phase:       phase,
		HUD:         hud.Render(),
	}, nil
}
