// Package community holds the concrete command/query metadata and the
// policies subscribed to community domain events: joins, referrals, and
// contest bookkeeping.
package community

import "database/sql"

// EnsureSchema creates the tables this package reads and writes.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS community_joins (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  community_id TEXT NOT NULL,
  user_id INTEGER NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(community_id, user_id)
);
CREATE TABLE IF NOT EXISTS referrals (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  eth_chain_id INTEGER,
  transaction_hash TEXT,
  namespace_address TEXT,
  referrer_address TEXT NOT NULL,
  referee_address TEXT NOT NULL,
  referrer_received_eth_amount REAL NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(referrer_address, referee_address)
);
`
	_, err := db.Exec(schema)
	return err
}
