package repo

// postgresSchema — таблица tickets для PostgreSQL.
//
// Частичный уникальный индекс tickets_active_task_uidx гарантирует,
// что для task_id существует не более одного активного ticket.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS tickets (
    seq         BIGINT GENERATED ALWAYS AS IDENTITY,
    id          TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    role        TEXT NOT NULL,
    status      TEXT NOT NULL CHECK (status IN ('queued', 'processing', 'completed', 'failed')),
    claimed_by  TEXT,
    claimed_at  TIMESTAMPTZ,
    attempts    INTEGER NOT NULL DEFAULT 0,
    payload     JSONB,
    output      JSONB,
    error       TEXT,
    reported    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS tickets_active_task_uidx
    ON tickets (task_id) WHERE status IN ('queued', 'processing');

CREATE INDEX IF NOT EXISTS tickets_claim_idx
    ON tickets (role, status, priority, created_at, seq);

CREATE INDEX IF NOT EXISTS tickets_task_idx
    ON tickets (task_id, created_at);

CREATE INDEX IF NOT EXISTS tickets_unreported_idx
    ON tickets (updated_at) WHERE reported = FALSE AND status IN ('completed', 'failed');
`

// sqliteSchema — та же таблица для SQLite.
// Время хранится в наносекундах Unix, чтобы сравнения и сортировка были точными.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tickets (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    task_id     TEXT NOT NULL,
    priority    INTEGER NOT NULL DEFAULT 0,
    role        TEXT NOT NULL,
    status      TEXT NOT NULL CHECK (status IN ('queued', 'processing', 'completed', 'failed')),
    claimed_by  TEXT,
    claimed_at  INTEGER,
    attempts    INTEGER NOT NULL DEFAULT 0,
    payload     TEXT,
    output      TEXT,
    error       TEXT,
    reported    INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS tickets_active_task_uidx
    ON tickets (task_id) WHERE status IN ('queued', 'processing');

CREATE INDEX IF NOT EXISTS tickets_claim_idx
    ON tickets (role, status, priority, created_at, seq);

CREATE INDEX IF NOT EXISTS tickets_task_idx
    ON tickets (task_id, created_at);

CREATE INDEX IF NOT EXISTS tickets_unreported_idx
    ON tickets (reported, status, updated_at);
`
