package sqlstore

// Schema is kept to the dialect intersection of Postgres and SQLite so the
// same statements run against either driver. Timestamps are unix
// milliseconds and the history is a JSON array in a TEXT column.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id                 TEXT PRIMARY KEY,
    contact_address    TEXT NOT NULL UNIQUE,
    display_name       TEXT NOT NULL DEFAULT '',
    messages           TEXT NOT NULL DEFAULT '[]',
    automation_enabled INTEGER NOT NULL DEFAULT 1,
    last_message       TEXT,
    linked_record_ref  TEXT NOT NULL DEFAULT '',
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations (updated_at DESC);
`
