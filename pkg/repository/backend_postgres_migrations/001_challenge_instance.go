package backend_postgres_migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upChallengeInstance, downChallengeInstance)
}

func upChallengeInstance(tx *sql.Tx) error {
	createStatements := []string{
		// Instance status enum (lowercase to match Go constants)
		`CREATE TYPE instance_status AS ENUM ('provisioning', 'running', 'stopping', 'stopped', 'failed');`,

		`CREATE TABLE IF NOT EXISTS challenge_instance (
			id UUID PRIMARY KEY,
			template_id VARCHAR(255) NOT NULL,
			team_id VARCHAR(255) NOT NULL,
			requested_by VARCHAR(255) NOT NULL DEFAULT '',
			handle VARCHAR(255) NOT NULL DEFAULT '',
			host VARCHAR(255) NOT NULL DEFAULT '',
			internal_port INTEGER NOT NULL,
			published_port INTEGER NOT NULL DEFAULT 0,
			flag TEXT NOT NULL DEFAULT '',
			status instance_status NOT NULL DEFAULT 'provisioning',
			holds_slot BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			last_health_check_at TIMESTAMP WITH TIME ZONE,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		// At most one provisioning/running instance per (template, team)
		`CREATE UNIQUE INDEX idx_challenge_instance_live_key ON challenge_instance(template_id, team_id)
			WHERE status IN ('provisioning', 'running');`,

		`CREATE INDEX idx_challenge_instance_team_id ON challenge_instance(team_id);`,
		`CREATE INDEX idx_challenge_instance_status ON challenge_instance(status);`,
		`CREATE INDEX idx_challenge_instance_expires_at ON challenge_instance(expires_at)
			WHERE status IN ('provisioning', 'running');`,
		`CREATE INDEX idx_challenge_instance_slots ON challenge_instance(template_id) WHERE holds_slot;`,
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func downChallengeInstance(tx *sql.Tx) error {
	dropStatements := []string{
		`DROP TABLE IF EXISTS challenge_instance;`,
		`DROP TYPE IF EXISTS instance_status;`,
	}

	for _, stmt := range dropStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
