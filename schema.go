package monument

// schemaVersion is stamped into user_version when a namespace store is
// created. Opening a store with any other version fails; there is no
// migration path, drifted stores are refused.
const schemaVersion = 7

// schemaSQL is the fixed schema script for one namespace store. Executed
// exactly once, at creation.
const schemaSQL = `
CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE tiles (
	x     INTEGER NOT NULL,
	y     INTEGER NOT NULL,
	color TEXT NOT NULL,
	PRIMARY KEY (x, y)
);

CREATE TABLE actors (
	id                  TEXT PRIMARY KEY,
	secret              TEXT NOT NULL,
	x                   INTEGER NOT NULL,
	y                   INTEGER NOT NULL,
	facing              TEXT NOT NULL DEFAULT 'N',
	scopes              TEXT NOT NULL DEFAULT '[]',
	custom_instructions TEXT NOT NULL DEFAULT '',
	points              INTEGER NOT NULL DEFAULT 0,
	eliminated_at       DATETIME
);

CREATE TABLE journal (
	supertick_id INTEGER NOT NULL,
	actor_id     TEXT NOT NULL,
	intent       TEXT NOT NULL,
	params       TEXT NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'pending',
	result       TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	llm_input    TEXT NOT NULL DEFAULT '',
	llm_output   TEXT NOT NULL DEFAULT '',
	synthesized  INTEGER NOT NULL DEFAULT 0,
	submitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (supertick_id, actor_id)
);

CREATE TABLE audit (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	supertick_id INTEGER NOT NULL,
	actor_id     TEXT NOT NULL,
	action_type  TEXT NOT NULL,
	params       TEXT NOT NULL DEFAULT '{}',
	result       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	points_delta INTEGER NOT NULL DEFAULT 0,
	context_hash TEXT NOT NULL DEFAULT '',
	llm_input    TEXT NOT NULL DEFAULT '',
	llm_output   TEXT NOT NULL DEFAULT '',
	submitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE tile_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	x            INTEGER NOT NULL,
	y            INTEGER NOT NULL,
	supertick_id INTEGER NOT NULL,
	actor_id     TEXT NOT NULL DEFAULT '',
	old_color    TEXT NOT NULL DEFAULT '',
	new_color    TEXT NOT NULL,
	action_type  TEXT NOT NULL DEFAULT 'PAINT',
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE actor_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	supertick_id INTEGER NOT NULL,
	actor_id     TEXT NOT NULL,
	x            INTEGER NOT NULL,
	y            INTEGER NOT NULL,
	facing       TEXT NOT NULL,
	points       INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE chat (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	supertick_id INTEGER NOT NULL,
	from_id      TEXT NOT NULL,
	message      TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE scoring_rounds (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	supertick_id   INTEGER NOT NULL,
	selected_tiles TEXT NOT NULL DEFAULT '[]',
	contributions  TEXT NOT NULL DEFAULT '{}',
	rationale      TEXT NOT NULL DEFAULT '',
	feedback       TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE memories (
	id           TEXT PRIMARY KEY,
	actor_id     TEXT NOT NULL,
	supertick_id INTEGER NOT NULL,
	text         TEXT NOT NULL,
	salience     REAL NOT NULL DEFAULT 1.0,
	embedding    BLOB NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX idx_journal_tick ON journal(supertick_id);
CREATE INDEX idx_audit_tick ON audit(supertick_id);
CREATE INDEX idx_audit_actor ON audit(actor_id, supertick_id);
CREATE INDEX idx_tile_history_cell ON tile_history(x, y, id);
CREATE INDEX idx_tile_history_tick ON tile_history(supertick_id);
CREATE INDEX idx_actor_history_tick ON actor_history(supertick_id);
CREATE INDEX idx_chat_tick ON chat(supertick_id);
CREATE INDEX idx_scoring_tick ON scoring_rounds(supertick_id);
CREATE INDEX idx_memories_actor ON memories(actor_id);
`

// Meta keys. Everything that describes the world apart from tiles and
// actors lives in the meta table.
const (
	metaSupertick        = "supertick_id"
	metaWidth            = "width"
	metaHeight           = "height"
	metaGoal             = "goal"
	metaPhase            = "phase"
	metaEpoch            = "epoch"
	metaViewRadius       = "view_radius"
	metaScoringInterval  = "scoring_interval"
	metaCollectTimeoutMS = "collect_timeout_ms"
	metaCreatedAt        = "created_at"
)
