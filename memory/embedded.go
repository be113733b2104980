package memory

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Embedded is the in-process memory service backed by the namespace's own
// database. It shares the memories table with the engine's store handle,
// so no extra file or daemon is involved.
type Embedded struct {
	db       *sql.DB
	embedder Embedder
	halfLife float64
}

// Options configures an Embedded service.
type Options struct {
	// HalfLifeTicks controls recall decay. Zero disables decay.
	HalfLifeTicks float64
	// Embedder defaults to a 256-dimension HashEmbedder.
	Embedder Embedder
}

// NewEmbedded creates a memory service over an open database handle.
func NewEmbedded(db *sql.DB, opts Options) *Embedded {
	emb := opts.Embedder
	if emb == nil {
		emb = NewHashEmbedder(256)
	}
	return &Embedded{
		db:       db,
		embedder: emb,
		halfLife: opts.HalfLifeTicks,
	}
}

// Store saves one memory with its embedding.
func (e *Embedded) Store(ctx context.Context, actorID string, tick int64, text string, salienceBase float64) error {
	if salienceBase <= 0 {
		salienceBase = 1
	}
	vec := e.embedder.Embed(text)
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO memories (id, actor_id, supertick_id, text, salience, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), actorID, tick, text, salienceBase, encodeVector(vec), time.Now().UTC(),
	)
	return err
}

// Recall ranks the actor's memories against the query and returns the
// top k. Memories that score zero are dropped rather than padded.
func (e *Embedded) Recall(ctx context.Context, actorID, query string, k int, currentTick int64) ([]Memory, error) {
	if k <= 0 {
		k = 5
	}
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, actor_id, supertick_id, text, salience, embedding FROM memories WHERE actor_id = ?`,
		actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	queryVec := e.embedder.Embed(query)
	var out []Memory
	for rows.Next() {
		var m Memory
		var blob []byte
		if err := rows.Scan(&m.ID, &m.ActorID, &m.Tick, &m.Text, &m.SalienceBase, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		age := float64(currentTick - m.Tick)
		m.Score = Cosine(queryVec, vec) * m.SalienceBase * decay(age, e.halfLife)
		if m.Score <= 0 {
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
