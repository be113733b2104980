package monument

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

// txMaxElapsed bounds retries of a busy tick-commit transaction.
const txMaxElapsed = 10 * time.Second

// Store is one namespace's embedded SQLite database. It is created by
// CreateStore, reopened by OpenStore, and owned by exactly one Engine;
// concurrent openers share the handle through the Registry.
type Store struct {
	db        *sql.DB
	Namespace string
	Path      string
}

// StorePath returns the database file path for a namespace without
// touching the filesystem. The identifier is validated elsewhere; callers
// never feed raw user input in here.
func StorePath(dataDir, namespace string) string {
	return filepath.Join(dataDir, "sims", namespace+".db")
}

// StoreExists reports whether a namespace database file is present.
func StoreExists(dataDir, namespace string) bool {
	if !ValidNamespace(namespace) {
		return false
	}
	_, err := os.Stat(StorePath(dataDir, namespace))
	return err == nil
}

// OpenStore opens an existing namespace store and verifies its schema
// version. It never creates a database: unknown namespaces surface as
// ErrUnknownNamespace so the API can 404 instead of minting empty worlds.
func OpenStore(dataDir, namespace string) (*Store, error) {
	if !ValidNamespace(namespace) {
		return nil, reject(ErrInvalidNamespace, "invalid_namespace", "namespace %q does not match ^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$", namespace)
	}
	path := StorePath(dataDir, namespace)
	if _, err := os.Stat(path); err != nil {
		return nil, reject(ErrUnknownNamespace, "unknown_namespace", "namespace %q not found", namespace)
	}
	s, err := openDB(path, namespace)
	if err != nil {
		return nil, err
	}
	if err := s.checkVersion(); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// CreateStore creates a fresh namespace store, applies the schema script
// and stamps the schema version. Fails if the namespace already exists.
func CreateStore(dataDir, namespace string) (*Store, error) {
	if !ValidNamespace(namespace) {
		return nil, reject(ErrInvalidNamespace, "invalid_namespace", "namespace %q does not match ^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$", namespace)
	}
	path := StorePath(dataDir, namespace)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("namespace %q already exists at %s", namespace, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := openDB(path, namespace)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		s.db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		s.db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("stamp schema version: %w", err)
	}
	return s, nil
}

func openDB(path, namespace string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// WAL lets context reads proceed while a tick commits.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &Store{db: db, Namespace: namespace, Path: path}, nil
}

func (s *Store) checkVersion() error {
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return err
	}
	if v != schemaVersion {
		return reject(ErrSchemaMismatch, "schema_mismatch",
			"namespace %q: store schema version %d, server expects %d; refusing to serve", s.Namespace, v, schemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators that share the file,
// such as the embedded memory service.
func (s *Store) DB() *sql.DB {
	return s.db
}

// isBusyError reports whether the error is transient lock contention
// worth retrying.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// WithTx runs fn inside one transaction: the tick-commit primitive.
// Partial commit is impossible; fn's writes either all land or the
// transaction rolls back. Busy contention retries with exponential
// backoff until txMaxElapsed, then surfaces ErrStoreBusy.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	// BackOff implementations are stateful; always build a fresh one.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = txMaxElapsed
	err := backoff.Retry(func() error {
		err := s.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if isBusyError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	if err != nil && isBusyError(err) {
		return reject(ErrStoreBusy, "store_busy", "namespace %q: store busy: %v", s.Namespace, err)
	}
	return err
}

func (s *Store) runTxOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetMeta returns one meta value, or "" when unset.
func (s *Store) GetMeta(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func setMetaTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// SetMeta writes one meta value outside the tick commit path.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return setMetaTx(tx, key, value)
	})
}

// LoadWorld reconstructs the authoritative world from the store.
func (s *Store) LoadWorld() (*World, error) {
	w := &World{
		Namespace: s.Namespace,
		Tiles:     make(map[Coord]string),
		Actors:    make(map[string]*Actor),
		Phase:     PhaseSetup,
	}
	rows, err := s.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		switch k {
		case metaSupertick:
			w.Supertick, _ = strconv.ParseInt(v, 10, 64)
		case metaWidth:
			w.Width, _ = strconv.Atoi(v)
		case metaHeight:
			w.Height, _ = strconv.Atoi(v)
		case metaGoal:
			w.Goal = v
		case metaPhase:
			w.Phase = Phase(v)
		case metaEpoch:
			w.Epoch, _ = strconv.ParseInt(v, 10, 64)
		case metaViewRadius:
			w.ViewRadius, _ = strconv.Atoi(v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tileRows, err := s.db.Query(`SELECT x, y, color FROM tiles`)
	if err != nil {
		return nil, err
	}
	defer tileRows.Close()
	for tileRows.Next() {
		var c Coord
		var color string
		if err := tileRows.Scan(&c.X, &c.Y, &color); err != nil {
			return nil, err
		}
		w.Tiles[c] = color
	}
	if err := tileRows.Err(); err != nil {
		return nil, err
	}

	actors, err := s.ListActors()
	if err != nil {
		return nil, err
	}
	for _, a := range actors {
		w.Actors[a.ID] = a
	}

	adj, err := s.LastAdjudication()
	if err != nil {
		return nil, err
	}
	w.LastAdjudication = adj
	return w, nil
}

// SeedWorld writes the initial world into a fresh store: meta, actors,
// pre-painted tiles and their tick-zero history rows.
func (s *Store) SeedWorld(ctx context.Context, w *World) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		meta := map[string]string{
			metaSupertick:  strconv.FormatInt(w.Supertick, 10),
			metaWidth:      strconv.Itoa(w.Width),
			metaHeight:     strconv.Itoa(w.Height),
			metaGoal:       w.Goal,
			metaPhase:      string(w.Phase),
			metaEpoch:      strconv.FormatInt(w.Epoch, 10),
			metaViewRadius: strconv.Itoa(w.ViewRadius),
			metaCreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		for k, v := range meta {
			if err := setMetaTx(tx, k, v); err != nil {
				return err
			}
		}
		for _, a := range w.Actors {
			if err := insertActorTx(tx, a); err != nil {
				return err
			}
		}
		for _, c := range w.SortedTiles() {
			if err := upsertTileTx(tx, c, w.Tiles[c]); err != nil {
				return err
			}
			if err := insertTileHistoryTx(tx, TileHistoryEntry{
				X: c.X, Y: c.Y, Supertick: 0,
				NewColor: w.Tiles[c], ActionType: "SETUP",
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertActorTx(tx *sql.Tx, a *Actor) error {
	scopes, err := json.Marshal(a.Scopes)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO actors (id, secret, x, y, facing, scopes, custom_instructions, points, eliminated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Secret, a.X, a.Y, string(a.Facing), string(scopes),
		a.CustomInstructions, a.Points, a.EliminatedAt,
	)
	return err
}

// InsertActor registers a new actor.
func (s *Store) InsertActor(ctx context.Context, a *Actor) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return insertActorTx(tx, a)
	})
}

// ListActors returns all actors, including eliminated ones.
func (s *Store) ListActors() ([]*Actor, error) {
	rows, err := s.db.Query(
		`SELECT id, secret, x, y, facing, scopes, custom_instructions, points, eliminated_at
		 FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actors []*Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*Actor, error) {
	var a Actor
	var facing, scopesJSON string
	var eliminated sql.NullTime
	if err := row.Scan(&a.ID, &a.Secret, &a.X, &a.Y, &facing, &scopesJSON,
		&a.CustomInstructions, &a.Points, &eliminated); err != nil {
		return nil, err
	}
	a.Facing = Facing(facing)
	if err := json.Unmarshal([]byte(scopesJSON), &a.Scopes); err != nil {
		return nil, fmt.Errorf("actor %s: bad scopes: %w", a.ID, err)
	}
	if eliminated.Valid {
		t := eliminated.Time
		a.EliminatedAt = &t
	}
	return &a, nil
}

// EliminateActor marks an actor out of play. Idempotent.
func (s *Store) EliminateActor(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE actors SET eliminated_at = CURRENT_TIMESTAMP WHERE id = ? AND eliminated_at IS NULL`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM actors WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return reject(ErrUnknownActor, "unknown_actor", "actor %q not found", id)
			}
		}
		return nil
	})
}

// UpdateActorInstructions replaces an actor's custom instructions.
func (s *Store) UpdateActorInstructions(ctx context.Context, id, instructions string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE actors SET custom_instructions = ? WHERE id = ?`, instructions, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return reject(ErrUnknownActor, "unknown_actor", "actor %q not found", id)
		}
		return nil
	})
}

// UpdateActorScopes replaces an actor's permitted intent set.
func (s *Store) UpdateActorScopes(ctx context.Context, id string, scopes []Intent) error {
	raw, err := json.Marshal(scopes)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE actors SET scopes = ? WHERE id = ?`, string(raw), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return reject(ErrUnknownActor, "unknown_actor", "actor %q not found", id)
		}
		return nil
	})
}

// UpdateActorSecret rotates an actor's secret.
func (s *Store) UpdateActorSecret(ctx context.Context, id, secret string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE actors SET secret = ? WHERE id = ?`, secret, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return reject(ErrUnknownActor, "unknown_actor", "actor %q not found", id)
		}
		return nil
	})
}

func upsertTileTx(tx *sql.Tx, c Coord, color string) error {
	_, err := tx.Exec(`INSERT INTO tiles (x, y, color) VALUES (?, ?, ?)
		ON CONFLICT(x, y) DO UPDATE SET color = excluded.color`, c.X, c.Y, color)
	return err
}

func updateActorPosTx(tx *sql.Tx, id string, c Coord, facing Facing) error {
	_, err := tx.Exec(`UPDATE actors SET x = ?, y = ?, facing = ? WHERE id = ?`,
		c.X, c.Y, string(facing), id)
	return err
}

func applyPointsTx(tx *sql.Tx, id string, delta int) error {
	_, err := tx.Exec(`UPDATE actors SET points = points + ? WHERE id = ?`, delta, id)
	return err
}
