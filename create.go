package monument

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// CreateSpec describes a new namespace: grid, goal, schedule bounds and
// the initial roster. It is the YAML document `monument create` consumes
// and the JSON body of the admin create endpoint.
type CreateSpec struct {
	Namespace        string      `yaml:"namespace" json:"namespace"`
	Width            int         `yaml:"width" json:"width"`
	Height           int         `yaml:"height" json:"height"`
	Goal             string      `yaml:"goal" json:"goal"`
	Epoch            int64       `yaml:"epoch" json:"epoch"`
	ViewRadius       int         `yaml:"view_radius" json:"view_radius"`
	ScoringInterval  *int64      `yaml:"scoring_interval" json:"scoring_interval,omitempty"`
	CollectTimeoutMS *int        `yaml:"collect_timeout_ms" json:"collect_timeout_ms,omitempty"`
	Actors           []ActorSpec `yaml:"actors" json:"actors"`
	Tiles            []TileSpec  `yaml:"tiles" json:"tiles"`
}

// ActorSpec seeds one actor, or a whole cohort when Prefix is set. An
// empty secret is replaced with a random one; an empty scope list grants
// every intent.
//
// Placement overrides X/Y: "center" takes the middle cell (nearest free
// cell if taken), "random" picks any free cell. Bulk rows expand to
// Count actors named prefix_0..prefix_{n-1}, laid out per Layout ("grid"
// spaces them evenly, "random" scatters them); bulk actors always get
// generated secrets.
type ActorSpec struct {
	ID                 string   `yaml:"id" json:"id"`
	X                  int      `yaml:"x" json:"x"`
	Y                  int      `yaml:"y" json:"y"`
	Placement          string   `yaml:"placement" json:"placement,omitempty"`
	Facing             string   `yaml:"facing" json:"facing"`
	Secret             string   `yaml:"secret" json:"secret,omitempty"`
	Scopes             []string `yaml:"scopes" json:"scopes"`
	CustomInstructions string   `yaml:"custom_instructions" json:"custom_instructions"`

	Prefix string `yaml:"prefix" json:"prefix,omitempty"`
	Count  int    `yaml:"count" json:"count,omitempty"`
	Layout string `yaml:"layout" json:"layout,omitempty"`
}

// TileSpec pre-paints one cell at creation.
type TileSpec struct {
	X     int    `yaml:"x" json:"x"`
	Y     int    `yaml:"y" json:"y"`
	Color string `yaml:"color" json:"color"`
}

// LoadCreateSpec reads a CreateSpec from a YAML file.
func LoadCreateSpec(path string) (*CreateSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec CreateSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &spec, nil
}

// BuildWorld validates the spec against the config defaults and produces
// the initial world, with supertick 1 waiting in SETUP. Bulk rows are
// expanded in place, so after a successful build spec.Actors lists every
// concrete actor; generated secrets are written back the same way so the
// caller can hand them out.
func (spec *CreateSpec) BuildWorld(cfg Config) (*World, error) {
	if !ValidNamespace(spec.Namespace) {
		return nil, reject(ErrInvalidNamespace, "invalid_namespace",
			"namespace %q does not match ^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$", spec.Namespace)
	}
	w := &World{
		Namespace:  spec.Namespace,
		Supertick:  1,
		Width:      spec.Width,
		Height:     spec.Height,
		Tiles:      make(map[Coord]string),
		Actors:     make(map[string]*Actor),
		Goal:       spec.Goal,
		Phase:      PhaseSetup,
		Epoch:      spec.Epoch,
		ViewRadius: spec.ViewRadius,
	}
	if w.Width <= 0 {
		w.Width = cfg.DefaultGridW
	}
	if w.Height <= 0 {
		w.Height = cfg.DefaultGridH
	}
	if w.ViewRadius == 0 {
		w.ViewRadius = cfg.DefaultViewRadius
	}
	if w.Width <= 0 || w.Height <= 0 {
		return nil, fmt.Errorf("grid must be positive, got %dx%d", w.Width, w.Height)
	}
	if spec.Epoch < 0 {
		return nil, fmt.Errorf("epoch must be non-negative, got %d", spec.Epoch)
	}

	for _, ts := range spec.Tiles {
		c := Coord{X: ts.X, Y: ts.Y}
		if !w.InBounds(c) {
			return nil, fmt.Errorf("tile %s is outside the %dx%d grid", c, w.Width, w.Height)
		}
		color := strings.ToUpper(ts.Color)
		if !colorRe.MatchString(color) {
			return nil, fmt.Errorf("tile %s color %q must match #RRGGBB", c, ts.Color)
		}
		w.Tiles[c] = color
	}

	resolved, err := expandActors(w, spec.Actors)
	if err != nil {
		return nil, err
	}
	spec.Actors = resolved

	for i := range spec.Actors {
		as := &spec.Actors[i]
		if _, dup := w.Actors[as.ID]; dup {
			return nil, fmt.Errorf("actor %q declared twice", as.ID)
		}
		a := &Actor{
			ID:                 as.ID,
			Secret:             as.Secret,
			X:                  as.X,
			Y:                  as.Y,
			Facing:             Facing(strings.ToUpper(as.Facing)),
			CustomInstructions: as.CustomInstructions,
		}
		if a.Secret == "" {
			a.Secret = uuid.NewString()
			as.Secret = a.Secret
		}
		if !a.Facing.Valid() {
			a.Facing = North
		}
		if len(as.Scopes) == 0 {
			a.Scopes = append([]Intent(nil), AllIntents...)
		} else {
			for _, s := range as.Scopes {
				in, ok := ParseIntent(s)
				if !ok {
					return nil, fmt.Errorf("actor %q: unknown scope %q", a.ID, s)
				}
				a.Scopes = append(a.Scopes, in)
			}
		}
		w.Actors[a.ID] = a
	}
	return w, nil
}

// expandActors resolves the roster's geometry: bulk rows become Count
// concrete rows and center/random placements become explicit
// coordinates. Rows are processed in order, each claiming its cell
// before the next is placed.
func expandActors(w *World, rows []ActorSpec) ([]ActorSpec, error) {
	occupied := make(map[Coord]string)
	out := make([]ActorSpec, 0, len(rows))

	for i, row := range rows {
		switch {
		case row.Prefix != "" && row.ID != "":
			return nil, fmt.Errorf("actor %d: id and prefix are mutually exclusive", i)
		case row.Prefix != "":
			bulk, err := expandBulk(w, row, occupied)
			if err != nil {
				return nil, err
			}
			out = append(out, bulk...)
		case row.ID == "":
			return nil, fmt.Errorf("actor %d: id is required", i)
		default:
			c, err := placeActor(w, row, occupied)
			if err != nil {
				return nil, err
			}
			occupied[c] = row.ID
			row.X, row.Y = c.X, c.Y
			row.Placement = ""
			out = append(out, row)
		}
	}
	return out, nil
}

func placeActor(w *World, row ActorSpec, occupied map[Coord]string) (Coord, error) {
	switch row.Placement {
	case "":
		c := Coord{X: row.X, Y: row.Y}
		if !w.InBounds(c) {
			return Coord{}, fmt.Errorf("actor %q position %s is outside the %dx%d grid", row.ID, c, w.Width, w.Height)
		}
		if by, taken := occupied[c]; taken {
			return Coord{}, fmt.Errorf("actor %q position %s is occupied by %q", row.ID, c, by)
		}
		return c, nil
	case "center":
		c := Coord{X: w.Width / 2, Y: w.Height / 2}
		if _, taken := occupied[c]; taken {
			free, ok := nearestFree(w, c, occupied)
			if !ok {
				return Coord{}, fmt.Errorf("no free cell for actor %q in the %dx%d grid", row.ID, w.Width, w.Height)
			}
			c = free
		}
		return c, nil
	case "random":
		c, ok := randomFree(w, occupied)
		if !ok {
			return Coord{}, fmt.Errorf("no free cell for actor %q in the %dx%d grid", row.ID, w.Width, w.Height)
		}
		return c, nil
	default:
		return Coord{}, fmt.Errorf("actor %q: unknown placement %q (want center, random, or explicit x/y)", row.ID, row.Placement)
	}
}

func expandBulk(w *World, row ActorSpec, occupied map[Coord]string) ([]ActorSpec, error) {
	if row.Count < 1 {
		return nil, fmt.Errorf("bulk actors %q: count must be positive, got %d", row.Prefix, row.Count)
	}
	layout := row.Layout
	if layout == "" {
		layout = "grid"
	}
	if layout != "grid" && layout != "random" {
		return nil, fmt.Errorf("bulk actors %q: unknown layout %q (want grid or random)", row.Prefix, layout)
	}

	out := make([]ActorSpec, 0, row.Count)
	for i := 0; i < row.Count; i++ {
		id := fmt.Sprintf("%s_%d", row.Prefix, i)
		var c Coord
		ok := true
		if layout == "grid" {
			c = gridCell(w, i, row.Count)
			if _, taken := occupied[c]; taken {
				c, ok = nearestFree(w, c, occupied)
			}
		} else {
			c, ok = randomFree(w, occupied)
		}
		if !ok {
			return nil, fmt.Errorf("no free cell for actor %q in the %dx%d grid", id, w.Width, w.Height)
		}
		occupied[c] = id
		out = append(out, ActorSpec{
			ID:                 id,
			X:                  c.X,
			Y:                  c.Y,
			Facing:             row.Facing,
			Scopes:             row.Scopes,
			CustomInstructions: row.CustomInstructions,
		})
	}
	return out, nil
}

// gridCell returns the nominal cell for slot i of an evenly spaced
// count-actor grid.
func gridCell(w *World, i, count int) Coord {
	cols := int(math.Ceil(math.Sqrt(float64(count))))
	rows := (count + cols - 1) / cols
	xSpacing := float64(w.Width) / float64(cols+1)
	ySpacing := float64(w.Height) / float64(rows+1)
	col, row := i%cols, i/cols
	return Coord{
		X: min(w.Width-1, max(0, int(math.Round(float64(col+1)*xSpacing))-1)),
		Y: min(w.Height-1, max(0, int(math.Round(float64(row+1)*ySpacing))-1)),
	}
}

// nearestFree spirals outward from start and returns the first free
// in-bounds cell, scanning each ring in a fixed order so placement is
// deterministic.
func nearestFree(w *World, start Coord, occupied map[Coord]string) (Coord, bool) {
	for radius := 1; radius < max(w.Width, w.Height); radius++ {
		for dx := -radius; dx <= radius; dx++ {
			for dy := -radius; dy <= radius; dy++ {
				if dx > -radius && dx < radius && dy > -radius && dy < radius {
					continue // interior of the ring
				}
				c := Coord{X: start.X + dx, Y: start.Y + dy}
				if !w.InBounds(c) {
					continue
				}
				if _, taken := occupied[c]; !taken {
					return c, true
				}
			}
		}
	}
	return Coord{}, false
}

// randomFree picks a uniformly random free cell, falling back to a
// linear scan when the grid is nearly full.
func randomFree(w *World, occupied map[Coord]string) (Coord, bool) {
	for i := 0; i < w.Width*w.Height; i++ {
		c := Coord{X: rand.Intn(w.Width), Y: rand.Intn(w.Height)}
		if _, taken := occupied[c]; !taken {
			return c, true
		}
	}
	for x := 0; x < w.Width; x++ {
		for y := 0; y < w.Height; y++ {
			c := Coord{X: x, Y: y}
			if _, taken := occupied[c]; !taken {
				return c, true
			}
		}
	}
	return Coord{}, false
}

// metaOverrides returns the per-namespace schedule overrides the spec
// carries, as meta rows.
func (spec *CreateSpec) metaOverrides() map[string]string {
	out := make(map[string]string)
	if spec.ScoringInterval != nil {
		out[metaScoringInterval] = strconv.FormatInt(*spec.ScoringInterval, 10)
	}
	if spec.CollectTimeoutMS != nil {
		out[metaCollectTimeoutMS] = strconv.Itoa(*spec.CollectTimeoutMS)
	}
	return out
}
