package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/crewrun/crewd/pkg/models"
	"github.com/crewrun/crewd/pkg/runner"
)

// RunStore is the PostgreSQL implementation of runner.RunStore.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a store on the client's connection pool.
func NewRunStore(client *Client) *RunStore {
	return &RunStore{db: client.DB()}
}

const runColumns = `id, hierarchy_id, task, status, created_at, started_at, completed_at, result, error, statistics, topology_snapshot`

// Create implements runner.RunStore.
func (s *RunStore) Create(ctx context.Context, run *models.Run) error {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO runs (hierarchy_id, task, status, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		run.HierarchyID, run.Task, string(run.Status), run.CreatedAt)
	if err := row.Scan(&run.ID); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get implements runner.RunStore.
func (s *RunStore) Get(ctx context.Context, id int64) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runner.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

// List implements runner.RunStore.
func (s *RunStore) List(ctx context.Context, params runner.ListParams) ([]models.Run, int, error) {
	var conditions []string
	var args []any
	if params.HierarchyID != "" {
		args = append(args, params.HierarchyID)
		conditions = append(conditions, fmt.Sprintf("hierarchy_id = $%d", len(args)))
	}
	if params.Status != "" {
		args = append(args, string(params.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY id DESC`
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if params.Offset > 0 {
		args = append(args, params.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return runs, total, nil
}

// MarkRunning implements runner.RunStore. The status guard in the UPDATE is
// what makes the pending -> running transition race-safe against Cancel.
func (s *RunStore) MarkRunning(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, started_at = now()
		 WHERE id = $2 AND status = $3`,
		string(models.RunStatusRunning), id, string(models.RunStatusPending))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return affected(result)
}

// MarkCancelledPending implements runner.RunStore.
func (s *RunStore) MarkCancelledPending(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, completed_at = now()
		 WHERE id = $2 AND status = $3`,
		string(models.RunStatusCancelled), id, string(models.RunStatusPending))
	if err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}
	return affected(result)
}

// SaveTopology implements runner.RunStore.
func (s *RunStore) SaveTopology(ctx context.Context, id int64, topology json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET topology_snapshot = $1 WHERE id = $2`, []byte(topology), id)
	if err != nil {
		return fmt.Errorf("save topology: %w", err)
	}
	return nil
}

// Settle implements runner.RunStore. Already-terminal runs are left untouched.
func (s *RunStore) Settle(ctx context.Context, id int64, status models.RunStatus, result, errMsg string, stats *models.RunStatistics) error {
	var statsJSON []byte
	if stats != nil {
		encoded, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode statistics: %w", err)
		}
		statsJSON = encoded
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, result = $2, error = $3, statistics = $4, completed_at = now()
		 WHERE id = $5 AND status NOT IN ($6, $7, $8)`,
		string(status), result, errMsg, statsJSON, id,
		string(models.RunStatusCompleted), string(models.RunStatusFailed), string(models.RunStatusCancelled))
	if err != nil {
		return fmt.Errorf("settle run: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var status string
	var startedAt, completedAt sql.NullTime
	var statsJSON, topologyJSON []byte

	err := row.Scan(&run.ID, &run.HierarchyID, &run.Task, &status, &run.CreatedAt,
		&startedAt, &completedAt, &run.Result, &run.Error, &statsJSON, &topologyJSON)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if len(statsJSON) > 0 {
		var stats models.RunStatistics
		if err := json.Unmarshal(statsJSON, &stats); err != nil {
			return nil, fmt.Errorf("decode statistics: %w", err)
		}
		run.Statistics = &stats
	}
	if len(topologyJSON) > 0 {
		run.Topology = json.RawMessage(topologyJSON)
	}
	return &run, nil
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
