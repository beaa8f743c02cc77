package sqlbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/formflow/pkg/models"
	"github.com/dukex/formflow/pkg/persistence"
)

const flowStateColumns = `id, flow_key, lead_id, current_step_index, completed_steps, step_states,
	status, error_message, started_at, updated_at, paused_at, resumed_at, completed_at`

// FlowStateRepository handles flow state database operations for any supported dialect.
type FlowStateRepository struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewFlowStateRepository creates a new flow state repository.
func NewFlowStateRepository(db *sql.DB, dialect Dialect, logger *slog.Logger) *FlowStateRepository {
	return &FlowStateRepository{db: db, dialect: dialect, logger: logger}
}

func (r *FlowStateRepository) Create(ctx context.Context, state *models.FlowState) error {
	args, err := r.values(state)
	if err != nil {
		return err
	}

	query := r.dialect.Rebind(`INSERT INTO flow_states (` + flowStateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if r.dialect.IsUniqueViolation != nil && r.dialect.IsUniqueViolation(err) {
			return persistence.NewFlowStateError("Create", state.ID, persistence.ErrFlowStateAlreadyExists)
		}

		return fmt.Errorf("failed to create flow state: %w", err)
	}

	return nil
}

func (r *FlowStateRepository) Get(ctx context.Context, id string) (*models.FlowState, error) {
	query := r.dialect.Rebind(`SELECT ` + flowStateColumns + ` FROM flow_states WHERE id = ?`)

	state, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowStateError("Get", id, persistence.ErrFlowStateNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow state: %w", err)
	}

	return state, nil
}

func (r *FlowStateRepository) Update(ctx context.Context, state *models.FlowState) error {
	args, err := r.values(state)
	if err != nil {
		return err
	}

	query := r.dialect.Rebind(`UPDATE flow_states SET
			flow_key = ?, lead_id = ?, current_step_index = ?, completed_steps = ?, step_states = ?,
			status = ?, error_message = ?, started_at = ?, updated_at = ?, paused_at = ?, resumed_at = ?, completed_at = ?
		WHERE id = ?`)

	// id moves from first to last position
	result, err := r.db.ExecContext(ctx, query, append(args[1:], args[0])...)
	if err != nil {
		return fmt.Errorf("failed to update flow state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		// MySQL reports zero affected rows when nothing changed.
		if _, getErr := r.Get(ctx, state.ID); getErr != nil {
			return persistence.NewFlowStateError("Update", state.ID, persistence.ErrFlowStateNotFound)
		}
	}

	return nil
}

func (r *FlowStateRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(`DELETE FROM flow_states WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete flow state: %w", err)
	}

	return nil
}

func (r *FlowStateRepository) Find(ctx context.Context, filter persistence.FlowStateFilter) ([]*models.FlowState, error) {
	var (
		conditions []string
		args       []any
	)

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	if filter.FlowKey != "" {
		conditions = append(conditions, "flow_key = ?")
		args = append(args, filter.FlowKey)
	}

	if filter.LeadID != "" {
		conditions = append(conditions, "lead_id = ?")
		args = append(args, filter.LeadID)
	}

	if filter.UpdatedBefore != nil {
		conditions = append(conditions, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UTC())
	}

	query := `SELECT ` + flowStateColumns + ` FROM flow_states`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY updated_at DESC, id ASC"

	rows, err := r.db.QueryContext(ctx, r.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow states: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	states := []*models.FlowState{}

	for rows.Next() {
		state, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow state: %w", err)
		}

		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow states: %w", err)
	}

	return states, nil
}

// values returns the column values in flowStateColumns order.
func (r *FlowStateRepository) values(state *models.FlowState) ([]any, error) {
	completedSteps := state.CompletedSteps
	if completedSteps == nil {
		completedSteps = []string{}
	}

	completedJSON, err := json.Marshal(completedSteps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completed steps: %w", err)
	}

	stepStates := state.StepStates
	if stepStates == nil {
		stepStates = map[string]map[string]any{}
	}

	stepStatesJSON, err := json.Marshal(stepStates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step states: %w", err)
	}

	return []any{
		state.ID,
		state.FlowKey,
		state.LeadID,
		state.CurrentStepIndex,
		string(completedJSON),
		string(stepStatesJSON),
		string(state.Status),
		state.Error,
		state.StartedAt.UTC(),
		state.UpdatedAt.UTC(),
		nullTime(state.PausedAt),
		nullTime(state.ResumedAt),
		nullTime(state.CompletedAt),
	}, nil
}

// scan scans a flow state from a database row.
func (r *FlowStateRepository) scan(scanner interface {
	Scan(dest ...any) error
},
) (*models.FlowState, error) {
	var (
		state          models.FlowState
		status         string
		completedJSON  []byte
		stepStatesJSON []byte
		pausedAt       sql.NullTime
		resumedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	err := scanner.Scan(
		&state.ID,
		&state.FlowKey,
		&state.LeadID,
		&state.CurrentStepIndex,
		&completedJSON,
		&stepStatesJSON,
		&status,
		&state.Error,
		&state.StartedAt,
		&state.UpdatedAt,
		&pausedAt,
		&resumedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	state.Status = models.FlowStatus(status)

	err = json.Unmarshal(completedJSON, &state.CompletedSteps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed steps: %w", err)
	}

	if state.CompletedSteps == nil {
		state.CompletedSteps = []string{}
	}

	if len(stepStatesJSON) > 0 {
		err = json.Unmarshal(stepStatesJSON, &state.StepStates)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal step states: %w", err)
		}
	}

	if len(state.StepStates) == 0 {
		state.StepStates = nil
	}

	state.PausedAt = timePtr(pausedAt)
	state.ResumedAt = timePtr(resumedAt)
	state.CompletedAt = timePtr(completedAt)

	return &state, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	return &t.Time
}
