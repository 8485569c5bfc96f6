package storage

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const createNetworksTable = `
CREATE TABLE IF NOT EXISTS networks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	address TEXT NOT NULL,
	tls BOOLEAN NOT NULL DEFAULT 1,
	nickname TEXT NOT NULL,
	username TEXT NOT NULL,
	realname TEXT NOT NULL,
	sasl_enabled BOOLEAN NOT NULL DEFAULT 0,
	sasl_mechanism TEXT,
	sasl_username TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

const createChannelsTable = `
CREATE TABLE IF NOT EXISTS channels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	network_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	auto_join BOOLEAN NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP,
	FOREIGN KEY (network_id) REFERENCES networks(id) ON DELETE CASCADE,
	UNIQUE (network_id, name)
)`

const createMembersTable = `
CREATE TABLE IF NOT EXISTS channel_members (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id INTEGER NOT NULL,
	nickname TEXT NOT NULL,
	modes TEXT NOT NULL DEFAULT '',
	account TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
	UNIQUE (channel_id, nickname)
)`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_channels_network ON channels(network_id);
CREATE INDEX IF NOT EXISTS idx_members_channel ON channel_members(channel_id);
`

// Migrate runs all database migrations
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		createNetworksTable,
		createChannelsTable,
		createMembersTable,
		createIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// Columns added after the first schema
	if err := addMissingColumns(db, "networks", map[string]string{
		"starttls": "ALTER TABLE networks ADD COLUMN starttls BOOLEAN NOT NULL DEFAULT 0",
	}); err != nil {
		return fmt.Errorf("networks migration failed: %w", err)
	}
	if err := addMissingColumns(db, "channels", map[string]string{
		"join_key": "ALTER TABLE channels ADD COLUMN join_key TEXT NOT NULL DEFAULT ''",
	}); err != nil {
		return fmt.Errorf("channels migration failed: %w", err)
	}

	return nil
}

// addMissingColumns runs each ALTER statement whose column is absent from table
func addMissingColumns(db *sqlx.DB, table string, columns map[string]string) error {
	for columnName, alterSQL := range columns {
		var columnExists int
		err := db.Get(&columnExists,
			"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?", table, columnName)
		if err != nil {
			return fmt.Errorf("failed to check for %s column: %w", columnName, err)
		}
		if columnExists > 0 {
			continue
		}
		if _, err := db.Exec(alterSQL); err != nil {
			// Ignore "duplicate column" errors
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to add %s column: %w", columnName, err)
			}
		}
	}
	return nil
}
