package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

type taskRow struct {
	InvestigationID string `db:"investigation_id"`
	TaskID          string `db:"task_id"`
	Seq             int    `db:"seq"`
	AgentKind       string `db:"agent_kind"`
	Prompt          string `db:"prompt"`
	Description     string `db:"description"`
	Priority        string `db:"priority"`
	Status          string `db:"status"`
	CreatedInRound  int    `db:"created_in_round"`
	Attempts        int    `db:"attempts"`
	LastError       string `db:"last_error"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r taskRow) toModel() models.Task {
	return models.Task{
		InvestigationID: r.InvestigationID,
		ID:              r.TaskID,
		Seq:             r.Seq,
		AgentKind:       r.AgentKind,
		Prompt:          r.Prompt,
		Description:     r.Description,
		Priority:        r.Priority,
		Status:          models.TaskStatus(r.Status),
		CreatedInRound:  r.CreatedInRound,
		Attempts:        r.Attempts,
		LastError:       r.LastError,
		CreatedAt:       fromNano(r.CreatedAt),
		UpdatedAt:       fromNano(r.UpdatedAt),
	}
}

func (s *SQLStore) AppendTasks(ctx context.Context, id string, round int, specs []models.TaskSpec) (bool, error) {
	appended := false
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nowNano()
		if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO workflows (investigation_id, task_seq, created_at, updated_at)
VALUES (?, 0, ?, ?)
ON CONFLICT (investigation_id) DO NOTHING`), id, now, now); err != nil {
			return fmt.Errorf("create workflow %s: %w", id, err)
		}

		res, err := tx.ExecContext(ctx, s.q(`
INSERT INTO workflow_rounds (investigation_id, round, task_count, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (investigation_id, round) DO NOTHING`), id, round, len(specs), now)
		if err != nil {
			return fmt.Errorf("record round %d of %s: %w", round, id, err)
		}
		if ok, err := affected(res); err != nil || !ok {
			return err
		}
		appended = true
		if len(specs) == 0 {
			return nil
		}

		var last int
		if err := tx.QueryRowxContext(ctx, s.q(`
UPDATE workflows SET task_seq = task_seq + ?, updated_at = ?
WHERE investigation_id = ?
RETURNING task_seq`), len(specs), now, id).Scan(&last); err != nil {
			return fmt.Errorf("allocate task ids for %s: %w", id, err)
		}

		first := last - len(specs) + 1
		for i, spec := range specs {
			seq := first + i
			priority := spec.Priority
			if priority == "" {
				priority = models.PriorityMedium
			}
			if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO tasks (investigation_id, task_id, seq, agent_kind, prompt, description, priority,
                   status, created_in_round, attempts, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`),
				id, models.TaskID(seq), seq, spec.AgentKind, spec.Prompt, spec.Description, priority,
				string(models.TaskPending), round, now, now); err != nil {
				return fmt.Errorf("insert %s of %s: %w", models.TaskID(seq), id, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return appended, nil
}

func (s *SQLStore) GetTasks(ctx context.Context, id string) ([]models.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`
SELECT investigation_id, task_id, seq, agent_kind, prompt, description, priority, status,
       created_in_round, attempts, last_error, created_at, updated_at
FROM tasks WHERE investigation_id = ?
ORDER BY created_in_round, seq`), id); err != nil {
		return nil, fmt.Errorf("get tasks of %s: %w", id, err)
	}
	tasks := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toModel())
	}
	return tasks, nil
}

func (s *SQLStore) SetTaskStatus(ctx context.Context, id, taskID string, from, to models.TaskStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE tasks SET status = ?, updated_at = ?
WHERE investigation_id = ? AND task_id = ? AND status = ?`),
		string(to), s.nowNano(), id, taskID, string(from))
	if err != nil {
		return false, fmt.Errorf("set %s/%s %s->%s: %w", id, taskID, from, to, err)
	}
	return affected(res)
}

func (s *SQLStore) ReclaimTask(ctx context.Context, id, taskID string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE tasks SET status = ?, updated_at = ?
WHERE investigation_id = ? AND task_id = ? AND status = ? AND updated_at < ?`),
		string(models.TaskPending), s.nowNano(), id, taskID, string(models.TaskInProgress),
		staleBefore.UTC().UnixNano())
	if err != nil {
		return false, fmt.Errorf("reclaim %s/%s: %w", id, taskID, err)
	}
	return affected(res)
}

func (s *SQLStore) RecordAttempt(ctx context.Context, id, taskID, errMsg string) (int, error) {
	var attempts int
	err := s.db.QueryRowxContext(ctx, s.q(`
UPDATE tasks SET attempts = attempts + 1, last_error = ?, updated_at = ?
WHERE investigation_id = ? AND task_id = ?
RETURNING attempts`), errMsg, s.nowNano(), id, taskID).Scan(&attempts)
	if isNoRows(err) {
		return 0, fmt.Errorf("task %s/%s: %w", id, taskID, models.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt %s/%s: %w", id, taskID, err)
	}
	return attempts, nil
}

func (s *SQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM tasks WHERE investigation_id = ?`,
			`DELETE FROM workflow_rounds WHERE investigation_id = ?`,
			`DELETE FROM workflows WHERE investigation_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return fmt.Errorf("delete workflow %s: %w", id, err)
			}
		}
		return nil
	})
}
