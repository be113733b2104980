package monument

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/monument-sim/monument/memory"
)

// eventRecorder collects published events so tests can assert on the
// live-stream side effects of engine operations.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine boots an engine over a fresh store seeded with alice at
// (1,1) and bob at (4,4). Deadlines and scoring are disabled; tests
// drive ticks by submitting for every actor or forcing the advance.
func newTestEngine(t *testing.T) (*Engine, *eventRecorder) {
	t.Helper()
	return newCustomEngine(t, nil, nil)
}

// newCustomEngine boots an engine with optional world and config hooks.
func newCustomEngine(t *testing.T, seed func(*World), tune func(*Config)) (*Engine, *eventRecorder) {
	t.Helper()
	st, err := CreateStore(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	w := testWorld()
	w.Phase = PhaseSetup
	w.Goal = "paint a monument"
	addActor(w, "alice", 1, 1)
	addActor(w, "bob", 4, 4)
	if seed != nil {
		seed(w)
	}
	if err := st.SeedWorld(context.Background(), w); err != nil {
		t.Fatalf("SeedWorld: %v", err)
	}

	cfg := DefaultConfig()
	cfg.CollectTimeout = 0
	cfg.ScoringInterval = 0
	if tune != nil {
		tune(&cfg)
	}
	rec := &eventRecorder{}
	eng, err := NewEngine(cfg, st, nil, rec, quietLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng, rec
}

// submit sends one action stamped with the engine's current supertick
// and context hash.
func submit(t *testing.T, eng *Engine, actorID, action string) error {
	t.Helper()
	st := eng.Status()
	return eng.Submit(context.Background(), Submission{
		Namespace:   st.Namespace,
		Supertick:   st.Supertick,
		ContextHash: st.ContextHash,
		ActorID:     actorID,
		Secret:      "secret-" + actorID,
		Action:      action,
	})
}

func TestEngineBootsIntoCollect(t *testing.T) {
	eng, rec := newTestEngine(t)

	st := eng.Status()
	if st.Phase != PhaseCollect {
		t.Errorf("Phase = %s, want COLLECT", st.Phase)
	}
	if st.Supertick != 1 {
		t.Errorf("Supertick = %d, want 1", st.Supertick)
	}
	if !strings.HasPrefix(st.ContextHash, "sha256:") {
		t.Errorf("ContextHash = %q, want sha256: prefix", st.ContextHash)
	}
	if st.Actors != 2 || st.Submitted != 0 {
		t.Errorf("Actors/Submitted = %d/%d, want 2/0", st.Actors, st.Submitted)
	}
	if got := rec.byType(EventTickStarted); len(got) != 1 {
		t.Errorf("tick_started events = %d, want 1", len(got))
	}
}

func TestEngineStaysInSetupWithoutActors(t *testing.T) {
	eng, _ := newCustomEngine(t, func(w *World) {
		w.Actors = map[string]*Actor{}
	}, nil)

	if got := eng.Status().Phase; got != PhaseSetup {
		t.Fatalf("Phase = %s, want SETUP", got)
	}
	err := submit(t, eng, "alice", "WAIT")
	if !errors.Is(err, ErrPhaseMismatch) {
		t.Errorf("Submit during SETUP = %v, want ErrPhaseMismatch", err)
	}
	_, err = eng.Context(context.Background(), "alice", "secret-alice", 0, 0)
	if !errors.Is(err, ErrPhaseMismatch) {
		t.Errorf("Context during SETUP = %v, want ErrPhaseMismatch", err)
	}
}

func TestEngineFullTick(t *testing.T) {
	eng, rec := newTestEngine(t)
	firstHash := eng.Status().ContextHash

	if err := submit(t, eng, "alice", "PAINT #FF0000"); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if got := eng.Status().Submitted; got != 1 {
		t.Errorf("Submitted after alice = %d, want 1", got)
	}
	// Last pending submission merges the tick before returning.
	if err := submit(t, eng, "bob", "MOVE N"); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	st := eng.Status()
	if st.Supertick != 2 || st.Phase != PhaseCollect {
		t.Fatalf("after tick: supertick %d phase %s, want 2 COLLECT", st.Supertick, st.Phase)
	}
	if st.ContextHash == firstHash {
		t.Error("context hash did not change across the tick")
	}

	w, err := eng.Store().LoadWorld()
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	if w.Tiles[Coord{X: 1, Y: 1}] != "#FF0000" {
		t.Errorf("tile (1,1) = %q, want #FF0000", w.Tiles[Coord{X: 1, Y: 1}])
	}
	if b := w.Actors["bob"]; b.X != 4 || b.Y != 3 || b.Facing != North {
		t.Errorf("bob = (%d,%d) facing %s, want (4,3) facing N", b.X, b.Y, b.Facing)
	}

	audit, err := eng.Store().AuditRange(1, 1)
	if err != nil {
		t.Fatalf("AuditRange: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(audit))
	}
	for _, rec := range audit {
		if rec.Result != OutcomeSuccess {
			t.Errorf("%s result = %s, want SUCCESS", rec.ActorID, rec.Result)
		}
		if rec.ContextHash != firstHash {
			t.Errorf("%s audit hash = %q, want the tick-1 hash", rec.ActorID, rec.ContextHash)
		}
	}

	resolved := rec.byType(EventTickResolved)
	if len(resolved) != 1 {
		t.Fatalf("tick_resolved events = %d, want 1", len(resolved))
	}
	p, ok := resolved[0].Payload.(TickResolvedPayload)
	if !ok {
		t.Fatalf("payload type %T", resolved[0].Payload)
	}
	if p.TileChanges != 1 || p.NextPhase != PhaseCollect || p.NextHash != st.ContextHash {
		t.Errorf("resolved payload = %+v", p)
	}
	if p.Outcomes["alice"] != OutcomeSuccess || p.Outcomes["bob"] != OutcomeSuccess {
		t.Errorf("outcomes = %v", p.Outcomes)
	}
	if len(rec.byType(EventTickStarted)) != 2 {
		t.Error("expected a second tick_started after the merge")
	}
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(st Status, sub *Submission)
		wantErr    error
		wantDetail string
	}{
		{
			name:    "unknown actor",
			mutate:  func(st Status, sub *Submission) { sub.ActorID = "ghost" },
			wantErr: ErrUnknownActor,
		},
		{
			name:    "bad secret",
			mutate:  func(st Status, sub *Submission) { sub.Secret = "wrong" },
			wantErr: ErrAuthFailed,
		},
		{
			name:       "supertick behind",
			mutate:     func(st Status, sub *Submission) { sub.Supertick = st.Supertick - 1 },
			wantErr:    ErrSupertickMismatch,
			wantDetail: "Supertick mismatch",
		},
		{
			name:       "supertick ahead",
			mutate:     func(st Status, sub *Submission) { sub.Supertick = st.Supertick + 5 },
			wantErr:    ErrSupertickMismatch,
			wantDetail: "Supertick mismatch",
		},
		{
			name:       "stale context hash",
			mutate:     func(st Status, sub *Submission) { sub.ContextHash = "sha256:0000000000000000" },
			wantErr:    ErrContextHashMismatch,
			wantDetail: "Context hash mismatch",
		},
		{
			name:    "unknown verb",
			mutate:  func(st Status, sub *Submission) { sub.Action = "TELEPORT 3 3" },
			wantErr: ErrMalformedAction,
		},
		{
			name:       "move off grid",
			mutate:     func(st Status, sub *Submission) { sub.ActorID = "edge"; sub.Secret = "secret-edge"; sub.Action = "MOVE N" },
			wantErr:    ErrMalformedAction,
			wantDetail: "leaves the 8x8 grid",
		},
		{
			name:       "paint off grid",
			mutate:     func(st Status, sub *Submission) { sub.Action = "PAINT #FF0000 99 99" },
			wantErr:    ErrMalformedAction,
			wantDetail: "outside the 8x8 grid",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _ := newCustomEngine(t, func(w *World) {
				addActor(w, "edge", 5, 0)
			}, nil)
			st := eng.Status()
			sub := Submission{
				Namespace:   st.Namespace,
				Supertick:   st.Supertick,
				ContextHash: st.ContextHash,
				ActorID:     "alice",
				Secret:      "secret-alice",
				Action:      "WAIT",
			}
			tt.mutate(st, &sub)

			err := eng.Submit(context.Background(), sub)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Submit = %v, want %v", err, tt.wantErr)
			}
			if tt.wantDetail != "" && !strings.Contains(err.Error(), tt.wantDetail) {
				t.Errorf("detail %q missing %q", err.Error(), tt.wantDetail)
			}
			// Rejections must not stage anything.
			if got := eng.Status().Submitted; got != 0 {
				t.Errorf("Submitted after rejection = %d, want 0", got)
			}
		})
	}
}

func TestSubmitDuplicate(t *testing.T) {
	eng, _ := newTestEngine(t)

	if err := submit(t, eng, "alice", "WAIT"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	err := submit(t, eng, "alice", "MOVE S")
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("second submit = %v, want ErrAlreadySubmitted", err)
	}
	if !strings.Contains(err.Error(), "already submitted") {
		t.Errorf("detail %q missing %q", err.Error(), "already submitted")
	}
}

func TestSubmitScopeDenied(t *testing.T) {
	eng, _ := newCustomEngine(t, func(w *World) {
		w.Actors["alice"].Scopes = []Intent{IntentMove, IntentWait}
	}, nil)

	// Scope is checked on the verb alone, before parameter parsing.
	err := submit(t, eng, "alice", "PAINT notacolor")
	if !errors.Is(err, ErrScopeDenied) {
		t.Fatalf("Submit = %v, want ErrScopeDenied", err)
	}
	if !strings.Contains(err.Error(), "may not PAINT") {
		t.Errorf("detail = %q", err.Error())
	}

	if err := submit(t, eng, "alice", "MOVE S"); err != nil {
		t.Errorf("permitted intent rejected: %v", err)
	}
}

func TestForceAdvanceSynthesizesTimeouts(t *testing.T) {
	eng, rec := newTestEngine(t)

	if err := submit(t, eng, "alice", "MOVE E"); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if err := eng.ForceAdvance(context.Background()); err != nil {
		t.Fatalf("ForceAdvance: %v", err)
	}

	st := eng.Status()
	if st.Supertick != 2 {
		t.Fatalf("Supertick = %d, want 2", st.Supertick)
	}

	entries, err := eng.Store().JournalFor(1)
	if err != nil {
		t.Fatalf("JournalFor: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal rows = %d, want 2", len(entries))
	}
	for _, e := range entries {
		switch e.ActorID {
		case "alice":
			if e.Synthesized || e.Outcome != OutcomeSuccess {
				t.Errorf("alice entry = %+v", e)
			}
		case "bob":
			if !e.Synthesized || e.Outcome != OutcomeTimeout {
				t.Errorf("bob entry = %+v", e)
			}
		}
	}

	w, err := eng.Store().LoadWorld()
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	if b := w.Actors["bob"]; b.X != 4 || b.Y != 4 {
		t.Errorf("bob moved on a timeout: (%d,%d)", b.X, b.Y)
	}

	resolved := rec.byType(EventTickResolved)
	if len(resolved) != 1 {
		t.Fatalf("tick_resolved events = %d, want 1", len(resolved))
	}
	if p := resolved[0].Payload.(TickResolvedPayload); p.Outcomes["bob"] != OutcomeTimeout {
		t.Errorf("bob outcome = %s, want TIMEOUT", p.Outcomes["bob"])
	}
}

func TestForceAdvanceOutsideCollect(t *testing.T) {
	eng, _ := newCustomEngine(t, func(w *World) {
		w.Actors = map[string]*Actor{}
	}, nil)
	err := eng.ForceAdvance(context.Background())
	if !errors.Is(err, ErrPhaseMismatch) {
		t.Errorf("ForceAdvance in SETUP = %v, want ErrPhaseMismatch", err)
	}
}

func TestCollectDeadlineMerges(t *testing.T) {
	eng, _ := newCustomEngine(t, nil, func(cfg *Config) {
		cfg.CollectTimeout = 50 * time.Millisecond
	})

	deadline := time.Now().Add(2 * time.Second)
	for eng.Status().Supertick < 2 {
		if time.Now().After(deadline) {
			t.Fatal("deadline merge never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := eng.Store().JournalFor(1)
	if err != nil {
		t.Fatalf("JournalFor: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal rows = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if !e.Synthesized || e.Outcome != OutcomeTimeout {
			t.Errorf("%s entry = %+v, want synthesized TIMEOUT", e.ActorID, e)
		}
	}
}

func TestScoringPauseAndResume(t *testing.T) {
	eng, rec := newCustomEngine(t, nil, func(cfg *Config) {
		cfg.ScoringInterval = 2
	})

	if err := submit(t, eng, "alice", "WAIT"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := submit(t, eng, "bob", "WAIT"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	st := eng.Status()
	if st.Phase != PhasePausedForScoring || st.Supertick != 2 {
		t.Fatalf("after tick 1: phase %s supertick %d, want PAUSED_FOR_SCORING 2", st.Phase, st.Supertick)
	}
	if len(rec.byType(EventPausedForScoring)) != 1 {
		t.Error("missing paused_for_scoring event")
	}
	if err := submit(t, eng, "alice", "WAIT"); !errors.Is(err, ErrPhaseMismatch) {
		t.Errorf("Submit while paused = %v, want ErrPhaseMismatch", err)
	}

	t.Run("rejects bad rounds", func(t *testing.T) {
		err := eng.Score(context.Background(), Adjudication{Contributions: map[string]int{"ghost": 1}})
		if !errors.Is(err, ErrUnknownActor) {
			t.Errorf("unknown contributor = %v, want ErrUnknownActor", err)
		}
		err = eng.Score(context.Background(), Adjudication{SelectedTiles: []Coord{{X: 99, Y: 99}}})
		if !errors.Is(err, ErrMalformedAction) {
			t.Errorf("out-of-bounds tile = %v, want ErrMalformedAction", err)
		}
	})

	round := Adjudication{
		SelectedTiles: []Coord{{X: 1, Y: 1}},
		Contributions: map[string]int{"alice": 3, "bob": -1},
		Rationale:     "alice carried",
		Feedback:      "spread out more",
	}
	if err := eng.Score(context.Background(), round); err != nil {
		t.Fatalf("Score: %v", err)
	}

	st = eng.Status()
	if st.Phase != PhaseCollect || st.Supertick != 2 {
		t.Fatalf("after scoring: phase %s supertick %d, want COLLECT 2", st.Phase, st.Supertick)
	}
	if len(rec.byType(EventScoringCommitted)) != 1 {
		t.Error("missing scoring_committed event")
	}

	w, err := eng.Store().LoadWorld()
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	if w.Actors["alice"].Points != 3 || w.Actors["bob"].Points != -1 {
		t.Errorf("points = alice %d bob %d, want 3 / -1", w.Actors["alice"].Points, w.Actors["bob"].Points)
	}
	if w.LastAdjudication == nil || w.LastAdjudication.Supertick != 2 {
		t.Errorf("LastAdjudication = %+v", w.LastAdjudication)
	}

	// Scoring while running is a phase error.
	err = eng.Score(context.Background(), Adjudication{})
	if !errors.Is(err, ErrPhaseMismatch) {
		t.Errorf("Score during COLLECT = %v, want ErrPhaseMismatch", err)
	}
}

func TestEpochPauseAndResume(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.SetEpoch(ctx, -1); !errors.Is(err, ErrMalformedAction) {
		t.Errorf("SetEpoch(-1) = %v, want ErrMalformedAction", err)
	}

	// Boundary ahead of the current tick: keep running.
	if err := eng.SetEpoch(ctx, 2); err != nil {
		t.Fatalf("SetEpoch(2): %v", err)
	}
	if got := eng.Status().Phase; got != PhaseCollect {
		t.Fatalf("phase after SetEpoch(2) = %s, want COLLECT", got)
	}

	if err := submit(t, eng, "alice", "WAIT"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := submit(t, eng, "bob", "WAIT"); err != nil {
		t.Fatalf("bob: %v", err)
	}
	st := eng.Status()
	if st.Phase != PhasePaused || st.Supertick != 2 {
		t.Fatalf("at epoch: phase %s supertick %d, want PAUSED 2", st.Phase, st.Supertick)
	}
	if err := submit(t, eng, "alice", "WAIT"); !errors.Is(err, ErrPhaseMismatch) {
		t.Errorf("Submit while paused = %v, want ErrPhaseMismatch", err)
	}

	// Clearing the boundary resumes COLLECT with a fresh snapshot.
	if err := eng.SetEpoch(ctx, 0); err != nil {
		t.Fatalf("SetEpoch(0): %v", err)
	}
	st = eng.Status()
	if st.Phase != PhaseCollect || st.Supertick != 2 || st.ContextHash == "" {
		t.Errorf("after resume: %+v", st)
	}
}

func TestSetEpochPausesImmediately(t *testing.T) {
	eng, _ := newTestEngine(t)

	// Current tick already at or past the boundary.
	if err := eng.SetEpoch(context.Background(), 1); err != nil {
		t.Fatalf("SetEpoch(1): %v", err)
	}
	if got := eng.Status().Phase; got != PhasePaused {
		t.Errorf("phase = %s, want PAUSED", got)
	}
}

func TestEpochOutranksScoring(t *testing.T) {
	eng, _ := newCustomEngine(t, func(w *World) {
		w.Epoch = 2
	}, func(cfg *Config) {
		cfg.ScoringInterval = 2
	})

	if err := submit(t, eng, "alice", "WAIT"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := submit(t, eng, "bob", "WAIT"); err != nil {
		t.Fatalf("bob: %v", err)
	}
	// Tick 2 is both a scoring boundary and the epoch; epoch wins.
	if got := eng.Status().Phase; got != PhasePaused {
		t.Errorf("phase = %s, want PAUSED", got)
	}
}

func TestAddActorDuringSetup(t *testing.T) {
	eng, _ := newCustomEngine(t, func(w *World) {
		w.Actors = map[string]*Actor{}
	}, nil)
	ctx := context.Background()

	if got := eng.Status().Phase; got != PhaseSetup {
		t.Fatalf("boot phase = %s, want SETUP", got)
	}
	a := &Actor{ID: "carol", Secret: "secret-carol", X: 2, Y: 2}
	if err := eng.AddActor(ctx, a); err != nil {
		t.Fatalf("AddActor: %v", err)
	}

	st := eng.Status()
	if st.Phase != PhaseCollect || st.Actors != 1 {
		t.Errorf("after first actor: phase %s actors %d, want COLLECT 1", st.Phase, st.Actors)
	}

	// Defaults fill in on registration.
	w, err := eng.Store().LoadWorld()
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	got := w.Actors["carol"]
	if len(got.Scopes) != len(AllIntents) || got.Facing != North {
		t.Errorf("carol defaults = scopes %v facing %s", got.Scopes, got.Facing)
	}

	tests := []struct {
		name  string
		actor *Actor
	}{
		{"duplicate id", &Actor{ID: "carol", X: 5, Y: 5}},
		{"out of bounds", &Actor{ID: "dave", X: 99, Y: 0}},
		{"occupied cell", &Actor{ID: "dave", X: 2, Y: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.AddActor(ctx, tt.actor); !errors.Is(err, ErrMalformedAction) {
				t.Errorf("AddActor = %v, want ErrMalformedAction", err)
			}
		})
	}
}

func TestAddActorMidTickJoinsNextSnapshot(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	carol := &Actor{ID: "carol", Secret: "secret-carol", X: 6, Y: 6}
	if err := eng.AddActor(ctx, carol); err != nil {
		t.Fatalf("AddActor: %v", err)
	}

	// The open tick still runs on the frozen snapshot without carol.
	if err := submit(t, eng, "carol", "WAIT"); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("carol submit before refreeze = %v, want ErrUnknownActor", err)
	}
	if _, err := eng.Context(ctx, "carol", "secret-carol", 0, 0); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("carol context before refreeze = %v, want ErrUnknownActor", err)
	}

	if err := submit(t, eng, "alice", "WAIT"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := submit(t, eng, "bob", "WAIT"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	st := eng.Status()
	if st.Supertick != 2 || st.Actors != 3 {
		t.Fatalf("after merge: supertick %d actors %d, want 2 and 3", st.Supertick, st.Actors)
	}
	if _, err := eng.Context(ctx, "carol", "secret-carol", 0, 0); err != nil {
		t.Errorf("carol context after refreeze: %v", err)
	}
	if err := submit(t, eng, "carol", "WAIT"); err != nil {
		t.Errorf("carol submit after refreeze: %v", err)
	}
}

func TestUpdateActorSecretRotation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	rotated, err := eng.UpdateActor(ctx, "alice", ActorPatch{RotateSecret: true})
	if err != nil {
		t.Fatalf("UpdateActor: %v", err)
	}
	if rotated == "" || rotated == "secret-alice" {
		t.Fatalf("rotated secret = %q", rotated)
	}

	// The frozen snapshot still authenticates the old secret.
	if err := submit(t, eng, "alice", "WAIT"); err != nil {
		t.Fatalf("old secret within the open tick: %v", err)
	}
	if err := submit(t, eng, "bob", "WAIT"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	// After the refreeze only the rotated secret works.
	st := eng.Status()
	old := Submission{
		Namespace: st.Namespace, Supertick: st.Supertick, ContextHash: st.ContextHash,
		ActorID: "alice", Secret: "secret-alice", Action: "WAIT",
	}
	if err := eng.Submit(ctx, old); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("old secret after refreeze = %v, want ErrAuthFailed", err)
	}
	fresh := old
	fresh.Secret = rotated
	if err := eng.Submit(ctx, fresh); err != nil {
		t.Errorf("rotated secret after refreeze: %v", err)
	}
}

func TestUpdateActorValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.UpdateActor(ctx, "ghost", ActorPatch{RotateSecret: true}); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("unknown actor = %v, want ErrUnknownActor", err)
	}
	_, err := eng.UpdateActor(ctx, "alice", ActorPatch{Scopes: []Intent{"FLY"}})
	if !errors.Is(err, ErrMalformedAction) {
		t.Errorf("bad scope = %v, want ErrMalformedAction", err)
	}

	instr := "hold the west wall"
	if _, err := eng.UpdateActor(ctx, "alice", ActorPatch{
		Instructions: &instr,
		Scopes:       []Intent{IntentMove, IntentPaint, IntentWait},
	}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	w, err := eng.Store().LoadWorld()
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	a := w.Actors["alice"]
	if a.CustomInstructions != instr || len(a.Scopes) != 3 {
		t.Errorf("alice after patch = %+v", a)
	}
}

func TestEliminateActor(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Eliminate(ctx, "ghost"); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("Eliminate(ghost) = %v, want ErrUnknownActor", err)
	}
	if err := eng.Eliminate(ctx, "bob"); err != nil {
		t.Fatalf("Eliminate: %v", err)
	}
	if err := eng.Eliminate(ctx, "bob"); err != nil {
		t.Errorf("second Eliminate: %v", err)
	}
	if got := eng.Status().Actors; got != 1 {
		t.Errorf("active actors = %d, want 1", got)
	}

	// bob is gone from the next snapshot; the open tick merges without him.
	if err := submit(t, eng, "alice", "WAIT"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := eng.ForceAdvance(ctx); err != nil {
		t.Fatalf("ForceAdvance: %v", err)
	}
	if err := submit(t, eng, "bob", "WAIT"); !errors.Is(err, ErrActorEliminated) {
		t.Errorf("bob submit after refreeze = %v, want ErrActorEliminated", err)
	}
	if _, err := eng.Context(ctx, "bob", "secret-bob", 0, 0); !errors.Is(err, ErrActorEliminated) {
		t.Errorf("bob context after refreeze = %v, want ErrActorEliminated", err)
	}
}

func TestSetGoalTakesEffectNextTick(t *testing.T) {
	eng, _ := newTestEngine(t)
	before := eng.Status()

	if err := eng.SetGoal(context.Background(), "build a tower"); err != nil {
		t.Fatalf("SetGoal: %v", err)
	}
	// The frozen snapshot is untouched until the tick merges.
	if got := eng.Status().ContextHash; got != before.ContextHash {
		t.Error("goal change refroze the open tick")
	}

	if err := submit(t, eng, "alice", "WAIT"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := submit(t, eng, "bob", "WAIT"); err != nil {
		t.Fatalf("bob: %v", err)
	}
	after := eng.Status()
	if after.Goal != "build a tower" {
		t.Errorf("Goal = %q", after.Goal)
	}
	if after.ContextHash == before.ContextHash {
		t.Error("hash should move once the new goal is frozen")
	}
}

func TestEngineRestartResumesState(t *testing.T) {
	st, err := CreateStore(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	w := testWorld()
	w.Phase = PhaseSetup
	addActor(w, "alice", 1, 1)
	addActor(w, "bob", 4, 4)
	if err := st.SeedWorld(context.Background(), w); err != nil {
		t.Fatalf("SeedWorld: %v", err)
	}
	cfg := DefaultConfig()
	cfg.CollectTimeout = 0
	cfg.ScoringInterval = 0

	eng, err := NewEngine(cfg, st, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := submit(t, eng, "alice", "PAINT #00FF00"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := submit(t, eng, "bob", "MOVE W"); err != nil {
		t.Fatalf("bob: %v", err)
	}
	before := eng.Status()
	eng.Stop()

	eng2, err := NewEngine(cfg, st, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(eng2.Stop)

	after := eng2.Status()
	if after.Supertick != 2 || after.Phase != PhaseCollect {
		t.Fatalf("restarted at supertick %d phase %s, want 2 COLLECT", after.Supertick, after.Phase)
	}
	// Same world content, same hash: stamped submissions survive a restart.
	if after.ContextHash != before.ContextHash {
		t.Errorf("hash after restart = %q, want %q", after.ContextHash, before.ContextHash)
	}
	if err := submit(t, eng2, "alice", "WAIT"); err != nil {
		t.Errorf("submit after restart: %v", err)
	}
}

func TestEngineFaultOnCommitFailure(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// Pull the database out from under the tick commit.
	if err := eng.Store().DB().Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	err := eng.ForceAdvance(ctx)
	var te *TickError
	if !errors.As(err, &te) {
		t.Fatalf("ForceAdvance = %v, want TickError", err)
	}

	st := eng.Status()
	if !st.Faulted || st.Phase != PhasePaused {
		t.Errorf("status after fault = %+v, want faulted PAUSED", st)
	}
	err = submit(t, eng, "alice", "WAIT")
	if !errors.Is(err, ErrNamespaceFaulted) {
		t.Errorf("Submit on faulted namespace = %v, want ErrNamespaceFaulted", err)
	}
}

func TestEngineStopRejectsLater(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Stop()

	if err := submit(t, eng, "alice", "WAIT"); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Submit after Stop = %v, want ErrEngineStopped", err)
	}
	if err := eng.ForceAdvance(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("ForceAdvance after Stop = %v, want ErrEngineStopped", err)
	}
}

func TestContextFlow(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Context(ctx, "ghost", "x", 0, 0); !errors.Is(err, ErrUnknownActor) {
		t.Errorf("unknown actor = %v, want ErrUnknownActor", err)
	}
	if _, err := eng.Context(ctx, "alice", "wrong", 0, 0); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("bad secret = %v, want ErrAuthFailed", err)
	}

	res, err := eng.Context(ctx, "alice", "secret-alice", 0, 0)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	st := eng.Status()
	if res.Namespace != "test" || res.Supertick != st.Supertick || res.ContextHash != st.ContextHash {
		t.Errorf("context header = %+v, status = %+v", res, st)
	}
	for _, want := range []string{"=== IDENTITY ===", "agent: alice @ (1,1) facing N"} {
		if !strings.Contains(res.HUD, want) {
			t.Errorf("HUD missing %q", want)
		}
	}
	if strings.Contains(res.HUD, "secret-alice") {
		t.Error("HUD leaks the actor secret")
	}

	if err := submit(t, eng, "alice", "SPEAK left wall is mine"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := submit(t, eng, "bob", "WAIT"); err != nil {
		t.Fatalf("bob: %v", err)
	}

	res, err = eng.Context(ctx, "bob", "secret-bob", 5, 5)
	if err != nil {
		t.Fatalf("Context after tick: %v", err)
	}
	if !strings.Contains(res.HUD, "[t1] alice: left wall is mine") {
		t.Error("tick-1 chat missing from the tick-2 HUD")
	}
	if !strings.Contains(res.HUD, string(OutcomeSuccess)) {
		t.Error("last result section missing")
	}
}

// fakeMemory records Store calls and serves canned recalls.
type fakeMemory struct {
	mu     sync.Mutex
	stored []string
	recall []memory.Memory
}

func (f *fakeMemory) Store(ctx context.Context, actorID string, tick int64, text string, salience float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, actorID+": "+text)
	return nil
}

func (f *fakeMemory) Recall(ctx context.Context, actorID, query string, k int, currentTick int64) ([]memory.Memory, error) {
	return f.recall, nil
}

func TestEngineMemoryIntegration(t *testing.T) {
	st, err := CreateStore(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	w := testWorld()
	w.Phase = PhaseSetup
	w.Goal = "paint a monument"
	addActor(w, "alice", 1, 1)
	if err := st.SeedWorld(context.Background(), w); err != nil {
		t.Fatalf("SeedWorld: %v", err)
	}

	mem := &fakeMemory{recall: []memory.Memory{
		{Text: "the east wall is contested", Score: 0.91},
	}}
	cfg := DefaultConfig()
	cfg.CollectTimeout = 0
	cfg.ScoringInterval = 0
	eng, err := NewEngine(cfg, st, mem, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(eng.Stop)

	res, err := eng.Context(context.Background(), "alice", "secret-alice", 0, 0)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if !strings.Contains(res.HUD, "the east wall is contested") {
		t.Error("recalled memory missing from HUD")
	}

	if err := submit(t, eng, "alice", "PAINT #FF0000"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.stored) != 1 || !strings.Contains(mem.stored[0], "alice: tick 1: PAINT -> SUCCESS") {
		t.Errorf("stored memories = %v", mem.stored)
	}
}

func TestConcurrentSubmissions(t *testing.T) {
	eng, _ := newCustomEngine(t, func(w *World) {
		addActor(w, "carol", 6, 6)
		addActor(w, "dave", 7, 7)
	}, nil)

	st := eng.Status()
	actors := []string{"alice", "bob", "carol", "dave"}
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, id := range actors {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = eng.Submit(context.Background(), Submission{
				Namespace:   st.Namespace,
				Supertick:   st.Supertick,
				ContextHash: st.ContextHash,
				ActorID:     id,
				Secret:      "secret-" + id,
				Action:      "WAIT",
			})
		}(i, id)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("%s: %v", actors[i], err)
		}
	}
	if got := eng.Status().Supertick; got != 2 {
		t.Errorf("Supertick = %d, want 2", got)
	}
}

func TestConcurrentDuplicateSubmission(t *testing.T) {
	eng, _ := newTestEngine(t)
	st := eng.Status()

	sub := Submission{
		Namespace:   st.Namespace,
		Supertick:   st.Supertick,
		ContextHash: st.ContextHash,
		ActorID:     "alice",
		Secret:      "secret-alice",
		Action:      "WAIT",
	}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = eng.Submit(context.Background(), sub)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadySubmitted):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 1 {
		t.Errorf("ok=%d dup=%d, want exactly one of each", ok, dup)
	}
}

func TestReloadRefreezes(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	before := eng.Status()

	// Out-of-band edit straight into the store.
	if err := eng.Store().SetMeta(ctx, metaGoal, "edited offline"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	after := eng.Status()
	if after.Goal != "edited offline" || after.Supertick != before.Supertick {
		t.Errorf("after reload = %+v", after)
	}
	if after.ContextHash == before.ContextHash {
		t.Error("reload must refreeze so stale submissions bounce")
	}

	// Submissions stamped with the pre-reload hash are now stale.
	err := eng.Submit(ctx, Submission{
		Namespace:   before.Namespace,
		Supertick:   before.Supertick,
		ContextHash: before.ContextHash,
		ActorID:     "alice",
		Secret:      "secret-alice",
		Action:      "WAIT",
	})
	if !errors.Is(err, ErrContextHashMismatch) {
		t.Errorf("stale submit after reload = %v, want ErrContextHashMismatch", err)
	}
}
