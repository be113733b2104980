package monument

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// InsertJournal stages one validated submission. Committed immediately,
// outside the tick transaction, so a client retry observes the row. The
// journal primary key enforces at most one row per (tick, actor) even if
// two submissions race past validation.
func (s *Store) InsertJournal(ctx context.Context, e JournalEntry) error {
	params, err := json.Marshal(e.Action)
	if err != nil {
		return err
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO journal (supertick_id, actor_id, intent, params, status, llm_input, llm_output, synthesized, submitted_at)
			 VALUES (?, ?, ?, ?, 'pending', ?, ?, 0, ?)`,
			e.Supertick, e.ActorID, string(e.Action.Intent), string(params),
			e.LLMInput, e.LLMOutput, e.SubmittedAt,
		)
		return err
	})
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return reject(ErrAlreadySubmitted, "already_submitted",
			"actor %q already submitted for supertick %d", e.ActorID, e.Supertick)
	}
	return err
}

// HasJournal reports whether a journal row exists for (tick, actor).
func (s *Store) HasJournal(tick int64, actorID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM journal WHERE supertick_id = ? AND actor_id = ?`,
		tick, actorID).Scan(&n)
	return n > 0, err
}

// JournalFor returns all journal rows for one tick.
func (s *Store) JournalFor(tick int64) ([]JournalEntry, error) {
	rows, err := s.db.Query(
		`SELECT supertick_id, actor_id, intent, params, status, result, reason, llm_input, llm_output, synthesized, submitted_at
		 FROM journal WHERE supertick_id = ? ORDER BY actor_id`, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var intent, params, result string
		var synthesized int
		if err := rows.Scan(&e.Supertick, &e.ActorID, &intent, &params, &e.Status,
			&result, &e.Reason, &e.LLMInput, &e.LLMOutput, &synthesized, &e.SubmittedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &e.Action); err != nil {
			// Synthesized rows store minimal params.
			e.Action = Action{Intent: Intent(intent)}
		}
		if e.Action.Intent == "" {
			e.Action.Intent = Intent(intent)
		}
		e.Outcome = Outcome(result)
		e.Synthesized = synthesized != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SubmittedActors returns the actor ids holding a journal row for the tick.
func (s *Store) SubmittedActors(tick int64) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT actor_id FROM journal WHERE supertick_id = ?`, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// insertSynthesizedJournalTx adds a TIMEOUT placeholder row for an actor
// that never submitted. Runs inside the merge transaction.
func insertSynthesizedJournalTx(tx *sql.Tx, tick int64, actorID string, now time.Time) error {
	params, _ := json.Marshal(Action{Intent: IntentWait})
	_, err := tx.Exec(
		`INSERT INTO journal (supertick_id, actor_id, intent, params, status, synthesized, submitted_at)
		 VALUES (?, ?, ?, ?, 'pending', 1, ?)`,
		tick, actorID, string(IntentWait), string(params), now,
	)
	return err
}

// finalizeJournalTx marks one journal row resolved.
func finalizeJournalTx(tx *sql.Tx, tick int64, actorID string, out Outcome, reason string) error {
	_, err := tx.Exec(
		`UPDATE journal SET status = 'committed', result = ?, reason = ? WHERE supertick_id = ? AND actor_id = ?`,
		string(out), reason, tick, actorID)
	return err
}

func insertAuditTx(tx *sql.Tx, rec AuditRecord) error {
	_, err := tx.Exec(
		`INSERT INTO audit (supertick_id, actor_id, action_type, params, result, reason, points_delta, context_hash, llm_input, llm_output, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Supertick, rec.ActorID, string(rec.ActionType), rec.Params, string(rec.Result),
		rec.Reason, rec.PointsDelta, rec.ContextHash, rec.LLMInput, rec.LLMOutput, rec.SubmittedAt,
	)
	return err
}

func scanAudit(rows *sql.Rows) (AuditRecord, error) {
	var rec AuditRecord
	var actionType, result string
	err := rows.Scan(&rec.ID, &rec.Supertick, &rec.ActorID, &actionType, &rec.Params,
		&result, &rec.Reason, &rec.PointsDelta, &rec.ContextHash,
		&rec.LLMInput, &rec.LLMOutput, &rec.SubmittedAt)
	rec.ActionType = Intent(actionType)
	rec.Result = Outcome(result)
	return rec, err
}

const auditColumns = `id, supertick_id, actor_id, action_type, params, result, reason, points_delta, context_hash, llm_input, llm_output, submitted_at`

// AuditRange returns audit rows with from <= supertick <= to, ordered by
// tick then insertion.
func (s *Store) AuditRange(from, to int64) ([]AuditRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+auditColumns+` FROM audit WHERE supertick_id BETWEEN ? AND ? ORDER BY supertick_id, id`,
		from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AuditForActor returns the actor's most recent audit rows, newest first.
func (s *Store) AuditForActor(actorID string, limit int) ([]AuditRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+auditColumns+` FROM audit WHERE actor_id = ? ORDER BY supertick_id DESC, id DESC LIMIT ?`,
		actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func insertTileHistoryTx(tx *sql.Tx, e TileHistoryEntry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := tx.Exec(
		`INSERT INTO tile_history (x, y, supertick_id, actor_id, old_color, new_color, action_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.X, e.Y, e.Supertick, e.ActorID, e.OldColor, e.NewColor, e.ActionType, created,
	)
	return err
}

// TileHistoryThrough returns all tile mutations with supertick <= tick in
// commit order. Replaying them from an empty grid reproduces the tiles
// table as of that tick.
func (s *Store) TileHistoryThrough(tick int64) ([]TileHistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT x, y, supertick_id, actor_id, old_color, new_color, action_type, created_at
		 FROM tile_history WHERE supertick_id <= ? ORDER BY id`, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TileHistoryEntry
	for rows.Next() {
		var e TileHistoryEntry
		if err := rows.Scan(&e.X, &e.Y, &e.Supertick, &e.ActorID, &e.OldColor,
			&e.NewColor, &e.ActionType, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TileHistoryRange returns tile mutations with from <= supertick <= to
// in commit order.
func (s *Store) TileHistoryRange(from, to int64) ([]TileHistoryEntry, error) {
	rows, err := s.db.Query(
		`SELECT x, y, supertick_id, actor_id, old_color, new_color, action_type, created_at
		 FROM tile_history WHERE supertick_id BETWEEN ? AND ? ORDER BY id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TileHistoryEntry
	for rows.Next() {
		var e TileHistoryEntry
		if err := rows.Scan(&e.X, &e.Y, &e.Supertick, &e.ActorID, &e.OldColor,
			&e.NewColor, &e.ActionType, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertActorHistoryTx(tx *sql.Tx, tick int64, a *Actor, now time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO actor_history (supertick_id, actor_id, x, y, facing, points, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tick, a.ID, a.X, a.Y, string(a.Facing), a.Points, now,
	)
	return err
}

// ActorPositionsAt returns each actor's recorded state at the given tick,
// from the per-tick actor history.
func (s *Store) ActorPositionsAt(tick int64) (map[string]Actor, error) {
	rows, err := s.db.Query(
		`SELECT ah.actor_id, ah.x, ah.y, ah.facing, ah.points
		 FROM actor_history ah
		 INNER JOIN (
		   SELECT actor_id, MAX(id) AS max_id FROM actor_history WHERE supertick_id <= ? GROUP BY actor_id
		 ) latest ON ah.id = latest.max_id`, tick)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Actor)
	for rows.Next() {
		var a Actor
		var facing string
		if err := rows.Scan(&a.ID, &a.X, &a.Y, &facing, &a.Points); err != nil {
			return nil, err
		}
		a.Facing = Facing(facing)
		out[a.ID] = a
	}
	return out, rows.Err()
}

// ActorHistoryRange returns the per-tick actor states recorded in the
// range, ordered by tick then actor id.
func (s *Store) ActorHistoryRange(from, to int64) ([]ActorPosition, error) {
	rows, err := s.db.Query(
		`SELECT supertick_id, actor_id, x, y, facing, points
		 FROM actor_history WHERE supertick_id BETWEEN ? AND ? ORDER BY supertick_id, actor_id`,
		from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActorPosition
	for rows.Next() {
		var p ActorPosition
		var facing string
		if err := rows.Scan(&p.Supertick, &p.ActorID, &p.X, &p.Y, &facing, &p.Points); err != nil {
			return nil, err
		}
		p.Facing = Facing(facing)
		out = append(out, p)
	}
	return out, rows.Err()
}

func insertChatTx(tx *sql.Tx, m ChatMessage) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := tx.Exec(
		`INSERT INTO chat (supertick_id, from_id, message, created_at) VALUES (?, ?, ?, ?)`,
		m.Supertick, m.FromID, m.Message, created,
	)
	return err
}

// RecentChat returns the latest messages, oldest first.
func (s *Store) RecentChat(limit int) ([]ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT supertick_id, from_id, message, created_at FROM chat ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.Supertick, &m.FromID, &m.Message, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ChatRange returns messages spoken in the tick range, oldest first.
func (s *Store) ChatRange(from, to int64) ([]ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT supertick_id, from_id, message, created_at
		 FROM chat WHERE supertick_id BETWEEN ? AND ? ORDER BY id`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.Supertick, &m.FromID, &m.Message, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func insertScoringRoundTx(tx *sql.Tx, adj Adjudication) error {
	tiles, err := json.Marshal(adj.SelectedTiles)
	if err != nil {
		return err
	}
	contribs, err := json.Marshal(adj.Contributions)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO scoring_rounds (supertick_id, selected_tiles, contributions, rationale, feedback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		adj.Supertick, string(tiles), string(contribs), adj.Rationale, adj.Feedback, adj.CreatedAt,
	)
	return err
}

func scanAdjudication(row rowScanner) (*Adjudication, error) {
	var adj Adjudication
	var tiles, contribs string
	if err := row.Scan(&adj.Supertick, &tiles, &contribs, &adj.Rationale, &adj.Feedback, &adj.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tiles), &adj.SelectedTiles); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contribs), &adj.Contributions); err != nil {
		return nil, err
	}
	return &adj, nil
}

// LastAdjudication returns the most recent committed scoring round, or nil.
func (s *Store) LastAdjudication() (*Adjudication, error) {
	row := s.db.QueryRow(
		`SELECT supertick_id, selected_tiles, contributions, rationale, feedback, created_at
		 FROM scoring_rounds ORDER BY id DESC LIMIT 1`)
	adj, err := scanAdjudication(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return adj, nil
}

// ScoringRounds returns every committed round, oldest first.
func (s *Store) ScoringRounds() ([]*Adjudication, error) {
	rows, err := s.db.Query(
		`SELECT supertick_id, selected_tiles, contributions, rationale, feedback, created_at
		 FROM scoring_rounds ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Adjudication
	for rows.Next() {
		adj, err := scanAdjudication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, adj)
	}
	return out, rows.Err()
}
