package db

const schemaDDL = `
CREATE TABLE IF NOT EXISTS flush_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  flush_id TEXT NOT NULL UNIQUE,
  created_at INTEGER NOT NULL,
  reason TEXT NOT NULL,
  status TEXT NOT NULL,
  records INTEGER NOT NULL,
  failed INTEGER NOT NULL DEFAULT 0,
  batch_size INTEGER NOT NULL,
  duration_ms INTEGER NOT NULL,
  gap_ms INTEGER,
  error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_flush_created ON flush_log (created_at);
CREATE INDEX IF NOT EXISTS idx_flush_status ON flush_log (status, created_at);
`
