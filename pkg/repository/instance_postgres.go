package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/arenactf/instanced/pkg/types"
)

// Instance methods on PostgresBackend

const pgUniqueViolation = "23505"

// reserveAttempts bounds retries when the conflicting live row finishes
// between our insert and the lookup that follows it
const reserveAttempts = 3

const instanceColumns = `
	id, template_id, team_id, requested_by, handle, host, internal_port, published_port,
	flag, status, holds_slot, error, created_at, expires_at, last_health_check_at, updated_at
`

// TryReserve inserts a provisioning row. The partial unique index on
// (template_id, team_id) rejects a second live row for the same key.
func (b *PostgresBackend) TryReserve(ctx context.Context, candidate *types.Instance) error {
	query := `
		INSERT INTO challenge_instance (id, template_id, team_id, requested_by, internal_port,
			status, holds_slot, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'provisioning', FALSE, $6, $7, $8)
	`

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		_, err := b.db.ExecContext(ctx, query,
			candidate.ID,
			candidate.TemplateID,
			candidate.TeamID,
			candidate.RequestedBy,
			candidate.InternalPort,
			candidate.CreatedAt.UTC(),
			candidate.ExpiresAt.UTC(),
			b.now().UTC(),
		)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to reserve instance: %w", err)
		}

		existing, err := b.getLive(ctx, candidate.TemplateID, candidate.TeamID)
		if err != nil {
			return err
		}
		if existing != nil {
			return &types.ErrInstanceExists{Existing: existing}
		}
	}

	return fmt.Errorf("failed to reserve instance %s: live key kept changing", candidate.ID)
}

func (b *PostgresBackend) getLive(ctx context.Context, templateId, teamId string) (*types.Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM challenge_instance
		WHERE template_id = $1 AND team_id = $2 AND status IN ('provisioning', 'running')
	`

	inst, err := scanInstance(b.db.QueryRowContext(ctx, query, templateId, teamId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live instance: %w", err)
	}
	return inst, nil
}

// ClaimSlot serializes claims per template with a transaction-scoped advisory lock
func (b *PostgresBackend) ClaimSlot(ctx context.Context, instanceId string, maxInstances int) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := lockInstance(ctx, tx, instanceId)
		if err != nil {
			return err
		}
		if inst.Status != types.InstanceStatusProvisioning {
			return &types.ErrInvalidTransition{InstanceId: instanceId, From: inst.Status, To: types.InstanceStatusProvisioning}
		}
		if inst.HoldsSlot {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, inst.TemplateID); err != nil {
			return fmt.Errorf("failed to lock template %s: %w", inst.TemplateID, err)
		}

		var held int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM challenge_instance WHERE template_id = $1 AND holds_slot`,
			inst.TemplateID,
		).Scan(&held)
		if err != nil {
			return fmt.Errorf("failed to count slots: %w", err)
		}
		if held >= maxInstances {
			return &types.ErrCapacityExceeded{TemplateId: inst.TemplateID, MaxInstances: maxInstances}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE challenge_instance SET holds_slot = TRUE, updated_at = $2 WHERE id = $1`,
			instanceId, b.now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to claim slot: %w", err)
		}
		return nil
	})
}

func (b *PostgresBackend) Discard(ctx context.Context, instanceId string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM challenge_instance WHERE id = $1`, instanceId); err != nil {
		return fmt.Errorf("failed to discard instance: %w", err)
	}
	return nil
}

func (b *PostgresBackend) MarkRunning(ctx context.Context, instanceId, handle, host string, publishedPort int, flag string) (*types.Instance, error) {
	var out *types.Instance
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := lockInstance(ctx, tx, instanceId)
		if err != nil {
			return err
		}
		if err := applyRunning(inst, handle, host, publishedPort, flag, b.now().UTC()); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE challenge_instance
			SET status = $2, handle = $3, host = $4, published_port = $5, flag = $6, updated_at = $7
			WHERE id = $1
		`, inst.ID, inst.Status, inst.Handle, inst.Host, inst.PublishedPort, inst.Flag, inst.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to mark instance running: %w", err)
		}

		out = inst
		return nil
	})
	return out, err
}

func (b *PostgresBackend) MarkStatus(ctx context.Context, instanceId string, status types.InstanceStatus, reason string) (*types.Instance, error) {
	var out *types.Instance
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := lockInstance(ctx, tx, instanceId)
		if err != nil {
			return err
		}
		if err := applyTransition(inst, status, reason, b.now().UTC()); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE challenge_instance
			SET status = $2, holds_slot = $3, error = $4, updated_at = $5
			WHERE id = $1
		`, inst.ID, inst.Status, inst.HoldsSlot, inst.Error, inst.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update instance status: %w", err)
		}

		out = inst
		return nil
	})
	return out, err
}

func (b *PostgresBackend) RecordHealthCheck(ctx context.Context, instanceId string, at time.Time) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE challenge_instance SET last_health_check_at = $2 WHERE id = $1`,
		instanceId, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record health check: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, instanceId string) (*types.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM challenge_instance WHERE id = $1`

	inst, err := scanInstance(b.db.QueryRowContext(ctx, query, instanceId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

func (b *PostgresBackend) ListLive(ctx context.Context, templateId string) ([]*types.Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM challenge_instance
		WHERE status IN ('provisioning', 'running') AND ($1::text = '' OR template_id = $1)
		ORDER BY created_at, id
	`
	return b.queryInstances(ctx, query, templateId)
}

func (b *PostgresBackend) ListExpired(ctx context.Context, now time.Time) ([]*types.Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM challenge_instance
		WHERE status IN ('provisioning', 'running') AND expires_at <= $1
		ORDER BY created_at, id
	`
	return b.queryInstances(ctx, query, now.UTC())
}

func (b *PostgresBackend) ListByStatus(ctx context.Context, status types.InstanceStatus) ([]*types.Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM challenge_instance
		WHERE status = $1
		ORDER BY created_at, id
	`
	return b.queryInstances(ctx, query, status)
}

func (b *PostgresBackend) ListByTeam(ctx context.Context, teamId string) ([]*types.Instance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM challenge_instance
		WHERE team_id = $1
		ORDER BY created_at, id
	`
	return b.queryInstances(ctx, query, teamId)
}

func (b *PostgresBackend) CountRunning(ctx context.Context, templateId string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM challenge_instance WHERE template_id = $1 AND status = 'running'`,
		templateId,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running instances: %w", err)
	}
	return count, nil
}

func (b *PostgresBackend) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*types.Instance, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	instances := make([]*types.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (b *PostgresBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func lockInstance(ctx context.Context, tx *sql.Tx, instanceId string) (*types.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM challenge_instance WHERE id = $1 FOR UPDATE`

	inst, err := scanInstance(tx.QueryRowContext(ctx, query, instanceId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.ErrInstanceNotFound{InstanceId: instanceId}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock instance: %w", err)
	}
	return inst, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*types.Instance, error) {
	inst := &types.Instance{}
	var lastCheck sql.NullTime

	err := row.Scan(
		&inst.ID,
		&inst.TemplateID,
		&inst.TeamID,
		&inst.RequestedBy,
		&inst.Handle,
		&inst.Host,
		&inst.InternalPort,
		&inst.PublishedPort,
		&inst.Flag,
		&inst.Status,
		&inst.HoldsSlot,
		&inst.Error,
		&inst.CreatedAt,
		&inst.ExpiresAt,
		&lastCheck,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastCheck.Valid {
		t := lastCheck.Time
		inst.LastHealthCheckAt = &t
	}
	return inst, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
