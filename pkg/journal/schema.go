package journal

const Schema = `
CREATE TABLE IF NOT EXISTS decisions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	trader_id TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	ts TEXT NOT NULL,
	outcome TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_trader ON decisions(trader_id, seq);
`
