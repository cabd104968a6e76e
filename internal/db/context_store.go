package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

type contextRow struct {
	ID          string  `db:"id"`
	Status      string  `db:"status"`
	Alarm       string  `db:"alarm"`
	Confidence  float64 `db:"confidence"`
	Hypothesis  string  `db:"hypothesis"`
	Candidates  string  `db:"root_cause_candidates"`
	Round       int     `db:"round"`
	Version     int     `db:"version"`
	TimelineSeq int     `db:"timeline_seq"`
	Error       string  `db:"error"`
	CreatedAt   int64   `db:"created_at"`
	UpdatedAt   int64   `db:"updated_at"`
}

type findingRow struct {
	Key        string `db:"finding_key"`
	TaskID     string `db:"task_id"`
	AgentKind  string `db:"agent_kind"`
	Payload    string `db:"payload"`
	ProducedAt int64  `db:"produced_at"`
}

type timelineRow struct {
	Seq         int    `db:"seq"`
	TS          int64  `db:"ts"`
	Description string `db:"description"`
	AgentKind   string `db:"agent_kind"`
}

type reportRow struct {
	InvestigationID   string  `db:"investigation_id"`
	Narrative         string  `db:"narrative"`
	Candidates        string  `db:"root_cause_candidates"`
	Recommendations   string  `db:"recommendations"`
	Confidence        float64 `db:"confidence"`
	Rounds            int     `db:"rounds"`
	TerminationForced bool    `db:"termination_forced"`
	TerminationReason string  `db:"termination_reason"`
	CreatedAt         int64   `db:"created_at"`
}

const contextColumns = `id, status, alarm, confidence, hypothesis, root_cause_candidates,
       round, version, timeline_seq, error, created_at, updated_at`

func (s *SQLStore) CreateContext(ctx context.Context, id string, alarm models.Alarm, status models.Status) (bool, error) {
	now := s.nowNano()
	res, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO investigations (id, status, alarm, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`), id, string(status), mustJSON(alarm), now, now)
	if err != nil {
		return false, fmt.Errorf("create context %s: %w", id, err)
	}
	return affected(res)
}

func (s *SQLStore) GetContext(ctx context.Context, id string) (*models.Context, error) {
	var row contextRow
	if err := s.db.GetContext(ctx, &row, s.q(`SELECT `+contextColumns+` FROM investigations WHERE id = ?`), id); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("investigation %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get context %s: %w", id, err)
	}
	c, err := row.toModel()
	if err != nil {
		return nil, err
	}

	var findings []findingRow
	if err := s.db.SelectContext(ctx, &findings, s.q(`
SELECT finding_key, task_id, agent_kind, payload, produced_at
FROM findings WHERE investigation_id = ? ORDER BY finding_key`), id); err != nil {
		return nil, fmt.Errorf("get findings %s: %w", id, err)
	}
	for _, f := range findings {
		var payload map[string]any
		if err := json.Unmarshal([]byte(f.Payload), &payload); err != nil {
			return nil, fmt.Errorf("decode finding %s/%s: %w", id, f.Key, err)
		}
		c.Findings[f.Key] = models.Finding{
			TaskID:     f.TaskID,
			AgentKind:  f.AgentKind,
			Payload:    payload,
			ProducedAt: fromNano(f.ProducedAt),
		}
	}

	var entries []timelineRow
	if err := s.db.SelectContext(ctx, &entries, s.q(`
SELECT seq, ts, description, agent_kind
FROM timeline WHERE investigation_id = ? ORDER BY seq`), id); err != nil {
		return nil, fmt.Errorf("get timeline %s: %w", id, err)
	}
	for _, e := range entries {
		c.Timeline = append(c.Timeline, models.TimelineEntry{
			Seq:         e.Seq,
			Timestamp:   fromNano(e.TS),
			Description: e.Description,
			AgentKind:   e.AgentKind,
		})
	}
	return c, nil
}

func (s *SQLStore) ListContexts(ctx context.Context, limit, offset int) ([]*models.Context, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []contextRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+contextColumns+`
FROM investigations ORDER BY created_at DESC LIMIT ? OFFSET ?`), limit, offset); err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	out := make([]*models.Context, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *SQLStore) PutFinding(ctx context.Context, id string, f models.Finding) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.touch(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO findings (investigation_id, finding_key, task_id, agent_kind, payload, produced_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (investigation_id, finding_key) DO UPDATE SET
    task_id     = excluded.task_id,
    agent_kind  = excluded.agent_kind,
    payload     = excluded.payload,
    produced_at = excluded.produced_at`),
			id, f.Key(), f.TaskID, f.AgentKind, mustJSON(f.Payload), f.ProducedAt.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("put finding %s/%s: %w", id, f.Key(), err)
		}
		return nil
	})
}

func (s *SQLStore) AppendTimeline(ctx context.Context, id string, description, agentKind string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.nowNano()
		var seq int
		err := tx.QueryRowxContext(ctx, s.q(`
UPDATE investigations
SET timeline_seq = timeline_seq + 1, version = version + 1, updated_at = ?
WHERE id = ?
RETURNING timeline_seq`), now, id).Scan(&seq)
		if isNoRows(err) {
			return fmt.Errorf("investigation %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("append timeline %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO timeline (investigation_id, seq, ts, description, agent_kind)
VALUES (?, ?, ?, ?, ?)`), id, seq, now, description, agentKind); err != nil {
			return fmt.Errorf("append timeline %s: %w", id, err)
		}
		return nil
	})
}

func (s *SQLStore) SetStatus(ctx context.Context, id string, status models.Status, errMsg string) error {
	return s.update(ctx, id, `status = ?, error = ?`, string(status), errMsg)
}

func (s *SQLStore) TransitionStatus(ctx context.Context, id string, from, to models.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE investigations SET status = ?, version = version + 1, updated_at = ?
WHERE id = ? AND status = ?`), string(to), s.nowNano(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
	}
	return affected(res)
}

func (s *SQLStore) TransitionStatusAtRound(ctx context.Context, id string, round int, from, to models.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE investigations SET status = ?, version = version + 1, updated_at = ?
WHERE id = ? AND round = ? AND status = ?`), string(to), s.nowNano(), id, round, string(from))
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s at round %d: %w", id, from, to, round, err)
	}
	return affected(res)
}

func (s *SQLStore) SetConfidence(ctx context.Context, id string, confidence float64) error {
	return s.update(ctx, id, `confidence = ?`, models.Clamp01(confidence))
}

func (s *SQLStore) SetHypothesis(ctx context.Context, id string, hypothesis string, candidates []models.RootCauseCandidate) error {
	if candidates == nil {
		candidates = []models.RootCauseCandidate{}
	}
	return s.update(ctx, id, `hypothesis = ?, root_cause_candidates = ?`, hypothesis, mustJSON(candidates))
}

func (s *SQLStore) AdvanceRound(ctx context.Context, id string, from int) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE investigations
SET round = round + 1, status = ?, version = version + 1, updated_at = ?
WHERE id = ? AND round = ? AND status = ?`),
		string(models.StatusExecuting), s.nowNano(), id, from, string(models.StatusEvaluating))
	if err != nil {
		return false, fmt.Errorf("advance round %s from %d: %w", id, from, err)
	}
	return affected(res)
}

func (s *SQLStore) SaveReport(ctx context.Context, r *models.Report) error {
	if r == nil {
		return fmt.Errorf("save report: nil report")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO reports (investigation_id, narrative, root_cause_candidates, recommendations,
                     confidence, rounds, termination_forced, termination_reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (investigation_id) DO UPDATE SET
    narrative             = excluded.narrative,
    root_cause_candidates = excluded.root_cause_candidates,
    recommendations       = excluded.recommendations,
    confidence            = excluded.confidence,
    rounds                = excluded.rounds,
    termination_forced    = excluded.termination_forced,
    termination_reason    = excluded.termination_reason,
    created_at            = excluded.created_at`),
		r.InvestigationID, r.Narrative, mustJSON(nonNilCandidates(r.RootCauseCandidates)),
		mustJSON(nonNilStrings(r.Recommendations)), models.Clamp01(r.Confidence), r.Rounds,
		r.TerminationForced, r.TerminationReason, created.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.InvestigationID, err)
	}
	return nil
}

func (s *SQLStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	var row reportRow
	if err := s.db.GetContext(ctx, &row, s.q(`
SELECT investigation_id, narrative, root_cause_candidates, recommendations, confidence,
       rounds, termination_forced, termination_reason, created_at
FROM reports WHERE investigation_id = ?`), id); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("report %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	r := &models.Report{
		InvestigationID:   row.InvestigationID,
		Narrative:         row.Narrative,
		Confidence:        row.Confidence,
		Rounds:            row.Rounds,
		TerminationForced: row.TerminationForced,
		TerminationReason: row.TerminationReason,
		CreatedAt:         fromNano(row.CreatedAt),
	}
	if err := json.Unmarshal([]byte(row.Candidates), &r.RootCauseCandidates); err != nil {
		return nil, fmt.Errorf("decode report %s candidates: %w", id, err)
	}
	if err := json.Unmarshal([]byte(row.Recommendations), &r.Recommendations); err != nil {
		return nil, fmt.Errorf("decode report %s recommendations: %w", id, err)
	}
	return r, nil
}

func (s *SQLStore) DeleteContext(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM findings WHERE investigation_id = ?`,
			`DELETE FROM timeline WHERE investigation_id = ?`,
			`DELETE FROM reports WHERE investigation_id = ?`,
			`DELETE FROM investigations WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
				return fmt.Errorf("delete context %s: %w", id, err)
			}
		}
		return nil
	})
}

// update applies a partial SET to one investigation and bumps its version.
func (s *SQLStore) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, s.nowNano(), id)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE investigations SET `+set+`, version = version + 1, updated_at = ? WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update investigation %s: %w", id, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("investigation %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// touch bumps the version inside tx, failing for unknown ids.
func (s *SQLStore) touch(ctx context.Context, tx *sqlx.Tx, id string) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE investigations SET version = version + 1, updated_at = ? WHERE id = ?`), s.nowNano(), id)
	if err != nil {
		return fmt.Errorf("touch investigation %s: %w", id, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("investigation %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (r contextRow) toModel() (*models.Context, error) {
	c := &models.Context{
		InvestigationID: r.ID,
		Status:          models.Status(r.Status),
		Confidence:      r.Confidence,
		Hypothesis:      r.Hypothesis,
		Round:           r.Round,
		Version:         r.Version,
		Error:           r.Error,
		Findings:        make(map[string]models.Finding),
		Timeline:        []models.TimelineEntry{},
		CreatedAt:       fromNano(r.CreatedAt),
		UpdatedAt:       fromNano(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Alarm), &c.Alarm); err != nil {
		return nil, fmt.Errorf("decode alarm of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Candidates), &c.RootCauseCandidates); err != nil {
		return nil, fmt.Errorf("decode candidates of %s: %w", r.ID, err)
	}
	return c, nil
}

func nonNilCandidates(c []models.RootCauseCandidate) []models.RootCauseCandidate {
	if c == nil {
		return []models.RootCauseCandidate{}
	}
	return c
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
