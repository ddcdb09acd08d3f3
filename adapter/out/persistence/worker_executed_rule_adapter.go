package persistence

import (
	"context"
	"errors"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	"inbox_worker/pkg/apperr"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE of a unique constraint violation.
const pgUniqueViolation = "23505"

// ExecutedRuleAdapter implements out.ExecutedRuleRepository using pgx.
// The (email_account_id, message_id) unique index makes Save the claim
// that prevents a message from being processed twice.
type ExecutedRuleAdapter struct {
	db *pgxpool.Pool
}

// NewExecutedRuleAdapter creates a new ExecutedRuleAdapter.
func NewExecutedRuleAdapter(db *pgxpool.Pool) *ExecutedRuleAdapter {
	return &ExecutedRuleAdapter{db: db}
}

// Exists reports whether the message already has a record.
func (a *ExecutedRuleAdapter) Exists(ctx context.Context, emailAccountID, messageID string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM executed_rules WHERE email_account_id = $1 AND message_id = $2)`

	var exists bool
	if err := a.db.QueryRow(ctx, query, emailAccountID, messageID).Scan(&exists); err != nil {
		return false, apperr.DatabaseError("check executed rule", err)
	}
	return exists, nil
}

// Save inserts a record. It returns out.ErrAlreadyExecuted when the
// message already has one.
func (a *ExecutedRuleAdapter) Save(ctx context.Context, record *domain.ExecutedRule) error {
	query := `
		INSERT INTO executed_rules (id, email_account_id, message_id, thread_id, rule_id, rule_name,
			status, reason, automated, matched_rule_ids, actions, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11, $12)`

	_, err := a.db.Exec(ctx, query,
		record.ID, record.EmailAccountID, record.MessageID, record.ThreadID, record.RuleID, record.RuleName,
		string(record.Status), record.Reason, record.Automated,
		record.MatchedRuleIDs, actionTypesToStrings(record.Actions), record.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return out.ErrAlreadyExecuted
		}
		return apperr.DatabaseError("save executed rule", err)
	}
	return nil
}

// UpdateStatus changes a record's status.
func (a *ExecutedRuleAdapter) UpdateStatus(ctx context.Context, id string, status domain.ExecutedRuleStatus) error {
	tag, err := a.db.Exec(ctx, `UPDATE executed_rules SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return apperr.DatabaseError("update executed rule", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("executed rule")
	}
	return nil
}

// GetByMessage returns the message's record.
func (a *ExecutedRuleAdapter) GetByMessage(ctx context.Context, emailAccountID, messageID string) (*domain.ExecutedRule, error) {
	query := `
		SELECT id, email_account_id, message_id, thread_id, COALESCE(rule_id, ''), COALESCE(rule_name, ''),
			status, reason, automated, COALESCE(matched_rule_ids, '{}'), COALESCE(actions, '{}'), created_at
		FROM executed_rules
		WHERE email_account_id = $1 AND message_id = $2`

	var (
		record  domain.ExecutedRule
		status  string
		actions []string
	)
	err := a.db.QueryRow(ctx, query, emailAccountID, messageID).Scan(
		&record.ID, &record.EmailAccountID, &record.MessageID, &record.ThreadID, &record.RuleID, &record.RuleName,
		&status, &record.Reason, &record.Automated, &record.MatchedRuleIDs, &actions, &record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("executed rule")
		}
		return nil, apperr.DatabaseError("get executed rule", err)
	}

	record.Status = domain.ExecutedRuleStatus(status)
	for _, t := range actions {
		record.Actions = append(record.Actions, domain.ActionType(t))
	}
	return &record, nil
}

func actionTypesToStrings(types []domain.ActionType) []string {
	strs := make([]string, len(types))
	for i, t := range types {
		strs[i] = string(t)
	}
	return strs
}

var _ out.ExecutedRuleRepository = (*ExecutedRuleAdapter)(nil)
