package monument

import (
	"os"
	"strconv"
	"time"
)

// Config carries engine-wide settings. Per-namespace settings (grid size,
// view radius, collect timeout, scoring interval) are seeded from these
// defaults at creation time and then live in the namespace store.
type Config struct {
	// DataDir is the root under which sims/<namespace>.db files live.
	DataDir string
	// CollectTimeout bounds the COLLECT phase. Zero disables the deadline
	// and the tick advances only when every actor has submitted (or an
	// admin forces the merge).
	CollectTimeout time.Duration
	// ScoringInterval pauses for adjudication every N ticks. Zero disables
	// scoring pauses.
	ScoringInterval int64
	// DefaultGridW and DefaultGridH size newly created namespaces.
	DefaultGridW int
	DefaultGridH int
	// DefaultViewRadius limits agent visibility on new namespaces.
	// Zero means the full grid.
	DefaultViewRadius int
	// AdminToken guards the admin surface. Empty leaves it open, which is
	// only sensible for local development.
	AdminToken string
	// ChatLength and HistoryLength are the default HUD section bounds,
	// overridable per request.
	ChatLength    int
	HistoryLength int
	// MemoryRecallK is how many memories the context builder requests.
	MemoryRecallK int
	// MemoryHalfLife is the tick half-life used for recall decay.
	MemoryHalfLife float64
}

// DefaultConfig returns the built-in defaults used when an environment
// variable is unset.
func DefaultConfig() Config {
	return Config{
		DataDir:         "data",
		CollectTimeout:  30 * time.Second,
		ScoringInterval: 10,
		DefaultGridW:    16,
		DefaultGridH:    16,
		ChatLength:      20,
		HistoryLength:   1,
		MemoryRecallK:   5,
		MemoryHalfLife:  20,
	}
}

// ConfigFromEnv builds a Config from the process environment, falling back
// to DefaultConfig values. Callers load .env files before this runs.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if ms, ok := envInt("MAX_COLLECT_TIMEOUT_MS"); ok {
		cfg.CollectTimeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt("SCORING_INTERVAL"); ok {
		cfg.ScoringInterval = int64(n)
	}
	if n, ok := envInt("DEFAULT_GRID_W"); ok {
		cfg.DefaultGridW = n
	}
	if n, ok := envInt("DEFAULT_GRID_H"); ok {
		cfg.DefaultGridH = n
	}
	if n, ok := envInt("DEFAULT_VIEW_RADIUS"); ok {
		cfg.DefaultViewRadius = n
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if n, ok := envInt("DEFAULT_CHAT_LENGTH"); ok {
		cfg.ChatLength = n
	}
	if n, ok := envInt("DEFAULT_HISTORY_LENGTH"); ok {
		cfg.HistoryLength = n
	}
	if n, ok := envInt("MEMORY_RECALL_K"); ok {
		cfg.MemoryRecallK = n
	}
	if f, ok := envFloat("MEMORY_HALF_LIFE_TICKS"); ok {
		cfg.MemoryHalfLife = f
	}
	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
