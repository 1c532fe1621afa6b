package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS app_policies (
		app_id TEXT PRIMARY KEY,
		mode INTEGER NOT NULL,
		confidence_threshold DOUBLE PRECISION NOT NULL,
		amount_window_seconds INTEGER NOT NULL,
		blacklist_json TEXT NOT NULL DEFAULT '[]',
		whitelist_json TEXT NOT NULL DEFAULT '[]',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dedup_records (
		event_key TEXT PRIMARY KEY,
		package_name TEXT NOT NULL,
		text_hash TEXT NOT NULL DEFAULT '',
		post_time BIGINT NOT NULL,
		amount_cents BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dedup_package_time ON dedup_records(package_name, post_time)`,
	`CREATE INDEX IF NOT EXISTS idx_dedup_amount_time ON dedup_records(amount_cents, post_time)`,
	`CREATE INDEX IF NOT EXISTS idx_dedup_created ON dedup_records(created_at)`,
	`CREATE TABLE IF NOT EXISTS notification_queue (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source_module TEXT NOT NULL,
		source_id TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_at BIGINT NOT NULL,
		sent_at BIGINT,
		attempts INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_source ON notification_queue(type, source_module, source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_status_scheduled ON notification_queue(status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_created ON notification_queue(created_at)`,
}

func NewPostgres(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/notifyledger?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newStore(db, dialect{name: "postgres", schema: postgresSchema}), nil
}
