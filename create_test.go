package monument

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildWorldDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultGridW = 12
	cfg.DefaultGridH = 10
	cfg.DefaultViewRadius = 3

	spec := &CreateSpec{
		Namespace: "canvas-1",
		Goal:      "paint",
		Actors: []ActorSpec{
			{ID: "alice", X: 1, Y: 1, Facing: "e"},
			{ID: "bob", X: 2, Y: 2, Secret: "keep-me", Scopes: []string{"move", "WAIT"}},
		},
	}
	w, err := spec.BuildWorld(cfg)
	if err != nil {
		t.Fatalf("BuildWorld: %v", err)
	}

	if w.Width != 12 || w.Height != 10 || w.ViewRadius != 3 {
		t.Errorf("grid = %dx%d radius %d, want 12x10 radius 3", w.Width, w.Height, w.ViewRadius)
	}
	if w.Supertick != 1 || w.Phase != PhaseSetup {
		t.Errorf("supertick %d phase %s, want 1 SETUP", w.Supertick, w.Phase)
	}

	alice := w.Actors["alice"]
	if alice.Facing != East {
		t.Errorf("alice facing = %s, want E (case-folded)", alice.Facing)
	}
	if alice.Secret == "" {
		t.Error("alice should get a generated secret")
	}
	if spec.Actors[0].Secret != alice.Secret {
		t.Error("generated secret not written back into the spec")
	}
	if len(alice.Scopes) != len(AllIntents) {
		t.Errorf("alice scopes = %v, want all intents", alice.Scopes)
	}

	bob := w.Actors["bob"]
	if bob.Secret != "keep-me" {
		t.Errorf("bob secret = %q, explicit secrets must survive", bob.Secret)
	}
	if bob.Facing != North {
		t.Errorf("bob facing = %s, want default N", bob.Facing)
	}
	if len(bob.Scopes) != 2 || bob.Scopes[0] != IntentMove || bob.Scopes[1] != IntentWait {
		t.Errorf("bob scopes = %v, want [MOVE WAIT]", bob.Scopes)
	}
}

func TestBuildWorldTiles(t *testing.T) {
	spec := &CreateSpec{
		Namespace: "canvas-1",
		Width:     4,
		Height:    4,
		Tiles:     []TileSpec{{X: 1, Y: 2, Color: "#aabbcc"}},
	}
	w, err := spec.BuildWorld(DefaultConfig())
	if err != nil {
		t.Fatalf("BuildWorld: %v", err)
	}
	if got := w.Tiles[Coord{X: 1, Y: 2}]; got != "#AABBCC" {
		t.Errorf("tile color = %q, want uppercased #AABBCC", got)
	}
}

func TestBuildWorldValidation(t *testing.T) {
	base := func() *CreateSpec {
		return &CreateSpec{
			Namespace: "canvas-1",
			Width:     4,
			Height:    4,
			Actors:    []ActorSpec{{ID: "alice", X: 0, Y: 0}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*CreateSpec)
		want   string
	}{
		{"invalid namespace", func(s *CreateSpec) { s.Namespace = "-bad" }, "does not match"},
		{"negative epoch", func(s *CreateSpec) { s.Epoch = -1 }, "epoch must be non-negative"},
		{"tile out of bounds", func(s *CreateSpec) { s.Tiles = []TileSpec{{X: 9, Y: 0, Color: "#FFFFFF"}} }, "outside the 4x4 grid"},
		{"bad tile color", func(s *CreateSpec) { s.Tiles = []TileSpec{{X: 0, Y: 1, Color: "red"}} }, "must match #RRGGBB"},
		{"missing actor id", func(s *CreateSpec) { s.Actors[0].ID = "" }, "id is required"},
		{"duplicate actor", func(s *CreateSpec) {
			s.Actors = append(s.Actors, ActorSpec{ID: "alice", X: 1, Y: 1})
		}, "declared twice"},
		{"actor out of bounds", func(s *CreateSpec) { s.Actors[0].X = 99 }, "outside the 4x4 grid"},
		{"actors stacked", func(s *CreateSpec) {
			s.Actors = append(s.Actors, ActorSpec{ID: "bob", X: 0, Y: 0})
		}, "occupied"},
		{"unknown scope", func(s *CreateSpec) { s.Actors[0].Scopes = []string{"FLY"} }, "unknown scope"},
		{"id with prefix", func(s *CreateSpec) { s.Actors[0].Prefix = "crew" }, "mutually exclusive"},
		{"bulk without count", func(s *CreateSpec) {
			s.Actors = []ActorSpec{{Prefix: "crew"}}
		}, "count must be positive"},
		{"bad layout", func(s *CreateSpec) {
			s.Actors = []ActorSpec{{Prefix: "crew", Count: 2, Layout: "ring"}}
		}, "unknown layout"},
		{"bad placement", func(s *CreateSpec) { s.Actors[0].Placement = "corner" }, "unknown placement"},
		{"grid full", func(s *CreateSpec) {
			s.Width, s.Height = 2, 2
			s.Actors = []ActorSpec{{Prefix: "crew", Count: 5}}
		}, "no free cell"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.mutate(spec)
			_, err := spec.BuildWorld(DefaultConfig())
			if err == nil {
				t.Fatal("BuildWorld should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q missing %q", err.Error(), tt.want)
			}
		})
	}
}

func TestBuildWorldBulkActors(t *testing.T) {
	spec := &CreateSpec{
		Namespace: "canvas-1",
		Width:     10,
		Height:    10,
		Actors: []ActorSpec{
			{Prefix: "crew", Count: 4, Facing: "S", Scopes: []string{"PAINT"}, CustomInstructions: "paint the spire"},
		},
	}
	w, err := spec.BuildWorld(DefaultConfig())
	if err != nil {
		t.Fatalf("BuildWorld: %v", err)
	}

	// 4 actors on 10x10: 2x2 layout with spacing 10/3.
	want := map[string]Coord{
		"crew_0": {X: 2, Y: 2},
		"crew_1": {X: 6, Y: 2},
		"crew_2": {X: 2, Y: 6},
		"crew_3": {X: 6, Y: 6},
	}
	if len(w.Actors) != len(want) {
		t.Fatalf("actor count = %d, want %d", len(w.Actors), len(want))
	}
	secrets := make(map[string]bool)
	for id, pos := range want {
		a := w.Actors[id]
		if a == nil {
			t.Fatalf("actor %s missing", id)
		}
		if a.Pos() != pos {
			t.Errorf("%s at %s, want %s", id, a.Pos(), pos)
		}
		if a.Facing != South {
			t.Errorf("%s facing = %s, want S", id, a.Facing)
		}
		if len(a.Scopes) != 1 || a.Scopes[0] != IntentPaint {
			t.Errorf("%s scopes = %v, want [PAINT]", id, a.Scopes)
		}
		if a.CustomInstructions != "paint the spire" {
			t.Errorf("%s instructions = %q", id, a.CustomInstructions)
		}
		if a.Secret == "" || secrets[a.Secret] {
			t.Errorf("%s needs a unique generated secret", id)
		}
		secrets[a.Secret] = true
	}

	// The expanded roster is written back for the secret echo.
	if len(spec.Actors) != 4 || spec.Actors[0].ID != "crew_0" || spec.Actors[0].Secret == "" {
		t.Errorf("spec.Actors not expanded in place: %+v", spec.Actors)
	}
}

func TestBuildWorldBulkSpillsToNearestFree(t *testing.T) {
	spec := &CreateSpec{
		Namespace: "canvas-1",
		Width:     10,
		Height:    10,
		Actors: []ActorSpec{
			{ID: "blocker", X: 4, Y: 4},
			{Prefix: "crew", Count: 1},
		},
	}
	w, err := spec.BuildWorld(DefaultConfig())
	if err != nil {
		t.Fatalf("BuildWorld: %v", err)
	}
	// A single bulk actor lays out at (4,4); the blocker pushes it to the
	// first free cell of the surrounding ring.
	if got := w.Actors["crew_0"].Pos(); got != (Coord{X: 3, Y: 3}) {
		t.Errorf("crew_0 at %s, want (3,3)", got)
	}
}

func TestBuildWorldPlacement(t *testing.T) {
	t.Run("center", func(t *testing.T) {
		spec := &CreateSpec{
			Namespace: "canvas-1",
			Width:     8,
			Height:    8,
			Actors:    []ActorSpec{{ID: "alice", Placement: "center"}},
		}
		w, err := spec.BuildWorld(DefaultConfig())
		if err != nil {
			t.Fatalf("BuildWorld: %v", err)
		}
		if got := w.Actors["alice"].Pos(); got != (Coord{X: 4, Y: 4}) {
			t.Errorf("alice at %s, want (4,4)", got)
		}
	})

	t.Run("center occupied spirals", func(t *testing.T) {
		spec := &CreateSpec{
			Namespace: "canvas-1",
			Width:     8,
			Height:    8,
			Actors: []ActorSpec{
				{ID: "blocker", X: 4, Y: 4},
				{ID: "alice", Placement: "center"},
			},
		}
		w, err := spec.BuildWorld(DefaultConfig())
		if err != nil {
			t.Fatalf("BuildWorld: %v", err)
		}
		if got := w.Actors["alice"].Pos(); got != (Coord{X: 3, Y: 3}) {
			t.Errorf("alice at %s, want nearest free (3,3)", got)
		}
	})

	t.Run("random fills the grid", func(t *testing.T) {
		spec := &CreateSpec{
			Namespace: "canvas-1",
			Width:     2,
			Height:    2,
			Actors: []ActorSpec{
				{ID: "a", Placement: "random"},
				{ID: "b", Placement: "random"},
				{ID: "c", Placement: "random"},
				{ID: "d", Placement: "random"},
			},
		}
		w, err := spec.BuildWorld(DefaultConfig())
		if err != nil {
			t.Fatalf("BuildWorld: %v", err)
		}
		cells := make(map[Coord]string)
		for id, a := range w.Actors {
			if !w.InBounds(a.Pos()) {
				t.Errorf("%s out of bounds at %s", id, a.Pos())
			}
			if prev, dup := cells[a.Pos()]; dup {
				t.Errorf("%s and %s share %s", id, prev, a.Pos())
			}
			cells[a.Pos()] = id
		}
		if len(cells) != 4 {
			t.Errorf("placed %d distinct cells, want all 4", len(cells))
		}
	})
}

func TestLoadCreateSpec(t *testing.T) {
	doc := `namespace: canvas-1
width: 8
height: 8
goal: paint a monument
epoch: 100
view_radius: 2
scoring_interval: 5
collect_timeout_ms: 15000
actors:
  - id: alice
    x: 1
    y: 1
    facing: E
    scopes: [MOVE, PAINT]
    custom_instructions: hold the west wall
  - id: bob
    x: 4
    y: 4
tiles:
  - {x: 0, y: 0, color: "#112233"}
`
	path := filepath.Join(t.TempDir(), "world.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	spec, err := LoadCreateSpec(path)
	if err != nil {
		t.Fatalf("LoadCreateSpec: %v", err)
	}
	if spec.Namespace != "canvas-1" || spec.Width != 8 || spec.Epoch != 100 || spec.ViewRadius != 2 {
		t.Errorf("spec header = %+v", spec)
	}
	if spec.ScoringInterval == nil || *spec.ScoringInterval != 5 {
		t.Errorf("ScoringInterval = %v, want 5", spec.ScoringInterval)
	}
	if spec.CollectTimeoutMS == nil || *spec.CollectTimeoutMS != 15000 {
		t.Errorf("CollectTimeoutMS = %v, want 15000", spec.CollectTimeoutMS)
	}
	if len(spec.Actors) != 2 || spec.Actors[0].CustomInstructions != "hold the west wall" {
		t.Errorf("actors = %+v", spec.Actors)
	}
	if len(spec.Actors[0].Scopes) != 2 {
		t.Errorf("alice scopes = %v", spec.Actors[0].Scopes)
	}
	if len(spec.Tiles) != 1 || spec.Tiles[0].Color != "#112233" {
		t.Errorf("tiles = %+v", spec.Tiles)
	}

	if _, err := LoadCreateSpec(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("namespace: [unclosed"), 0o644); err != nil {
		t.Fatalf("write bad spec: %v", err)
	}
	if _, err := LoadCreateSpec(bad); err == nil {
		t.Error("malformed YAML should fail")
	}
}

func TestLoadCreateSpecBulk(t *testing.T) {
	doc := `namespace: canvas-1
width: 10
height: 10
actors:
  - id: anchor
    x: 2
    y: 2
  - prefix: crew
    count: 3
    layout: random
    scopes: [MOVE, PAINT]
`
	path := filepath.Join(t.TempDir(), "world.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	spec, err := LoadCreateSpec(path)
	if err != nil {
		t.Fatalf("LoadCreateSpec: %v", err)
	}
	if len(spec.Actors) != 2 || spec.Actors[1].Prefix != "crew" || spec.Actors[1].Count != 3 {
		t.Fatalf("actors = %+v", spec.Actors)
	}

	w, err := spec.BuildWorld(DefaultConfig())
	if err != nil {
		t.Fatalf("BuildWorld: %v", err)
	}
	if len(w.Actors) != 4 {
		t.Errorf("actor count = %d, want anchor + 3 crew", len(w.Actors))
	}
	if len(spec.Actors) != 4 {
		t.Errorf("expanded roster = %d rows, want 4", len(spec.Actors))
	}
	for _, id := range []string{"anchor", "crew_0", "crew_1", "crew_2"} {
		if w.Actors[id] == nil {
			t.Errorf("actor %s missing", id)
		}
	}
}
