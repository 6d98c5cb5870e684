package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/zimage-server/internal/model"
)

// Repository archives terminal job records in PostgreSQL. The in-memory job
// store stays authoritative; the archive is a write-behind durable record
// for inspection after restarts.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS jobs (
//	    id              TEXT PRIMARY KEY,
//	    task_type       TEXT NOT NULL,
//	    params          JSONB NOT NULL,
//	    status          TEXT NOT NULL,
//	    result          JSONB,
//	    error           TEXT,
//	    owner_client_id TEXT,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    completed_at    TIMESTAMPTZ
//	);
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// SaveJob upserts a terminal job record. A retried job that failed before
// overwrites its previous archive row.
func (r *Repository) SaveJob(ctx context.Context, j model.Job) error {
	query := `
		INSERT INTO jobs (id, task_type, params, status, result, error, owner_client_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    result = EXCLUDED.result,
		    error = EXCLUDED.error,
		    completed_at = EXCLUDED.completed_at
	`

	paramsJSON, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	var resultJSON []byte
	if j.Result != nil {
		if resultJSON, err = json.Marshal(j.Result); err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	_, err = r.db.ExecContext(
		ctx, query,
		j.ID, j.TaskType, paramsJSON, j.Status, resultJSON, j.Error, j.OwnerClientID, j.CreatedAt, j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save: failed to archive job: %w", err)
	}

	return nil
}
