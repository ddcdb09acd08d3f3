// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	"inbox_worker/pkg/apperr"
	"inbox_worker/pkg/crypto"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// RuleAdapter implements out.RuleRepository using PostgreSQL.
type RuleAdapter struct {
	db *sqlx.DB
}

// NewRuleAdapter creates a new RuleAdapter.
func NewRuleAdapter(db *sqlx.DB) *RuleAdapter {
	return &RuleAdapter{db: db}
}

// ruleRow represents the database row for rules.
type ruleRow struct {
	ID                  string         `db:"id"`
	Name                string         `db:"name"`
	EmailAccountID      string         `db:"email_account_id"`
	Enabled             bool           `db:"enabled"`
	Automate            bool           `db:"automate"`
	Position            int            `db:"position"`
	Instructions        sql.NullString `db:"instructions"`
	From                sql.NullString `db:"from_filter"`
	To                  sql.NullString `db:"to_filter"`
	Subject             sql.NullString `db:"subject_filter"`
	Body                sql.NullString `db:"body_filter"`
	ConditionalOperator sql.NullString `db:"conditional_operator"`
	GroupID             sql.NullString `db:"group_id"`
	GroupName           sql.NullString `db:"group_name"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r *ruleRow) toEntity() *domain.Rule {
	rule := &domain.Rule{
		ID:                  r.ID,
		Name:                r.Name,
		EmailAccountID:      r.EmailAccountID,
		Enabled:             r.Enabled,
		Automate:            r.Automate,
		Position:            r.Position,
		Instructions:        r.Instructions.String,
		From:                r.From.String,
		To:                  r.To.String,
		Subject:             r.Subject.String,
		Body:                r.Body.String,
		ConditionalOperator: domain.LogicalOperator(r.ConditionalOperator.String),
		GroupID:             r.GroupID.String,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.GroupID.Valid {
		rule.Group = &domain.RuleGroup{ID: r.GroupID.String, Name: r.GroupName.String}
	}
	return rule
}

// actionRow represents the database row for rule actions.
type actionRow struct {
	ID             string         `db:"id"`
	RuleID         string         `db:"rule_id"`
	Type           string         `db:"type"`
	Label          sql.NullString `db:"label"`
	LabelID        sql.NullString `db:"label_id"`
	Subject        sql.NullString `db:"subject"`
	Content        sql.NullString `db:"content"`
	To             sql.NullString `db:"to_address"`
	Cc             sql.NullString `db:"cc"`
	Bcc            sql.NullString `db:"bcc"`
	URL            sql.NullString `db:"url"`
	FolderName     sql.NullString `db:"folder_name"`
	FolderID       sql.NullString `db:"folder_id"`
	DelayInMinutes sql.NullInt32  `db:"delay_in_minutes"`
}

func (r *actionRow) toEntity() domain.Action {
	action := domain.Action{
		ID:         r.ID,
		RuleID:     r.RuleID,
		Type:       domain.ActionType(r.Type),
		Label:      r.Label.String,
		LabelID:    r.LabelID.String,
		Subject:    r.Subject.String,
		Content:    r.Content.String,
		To:         r.To.String,
		Cc:         r.Cc.String,
		Bcc:        r.Bcc.String,
		URL:        r.URL.String,
		FolderName: r.FolderName.String,
		FolderID:   r.FolderID.String,
	}
	if r.DelayInMinutes.Valid {
		delay := int(r.DelayInMinutes.Int32)
		action.DelayInMinutes = &delay
	}
	return action
}

const ruleColumns = `
	r.id, r.name, r.email_account_id, r.enabled, r.automate, r.position,
	r.instructions, r.from_filter, r.to_filter, r.subject_filter, r.body_filter,
	r.conditional_operator, r.group_id, g.name AS group_name, r.created_at, r.updated_at`

// ListEnabled returns enabled rules with their actions, ordered by position.
func (a *RuleAdapter) ListEnabled(ctx context.Context, emailAccountID string) ([]*domain.Rule, error) {
	var rows []ruleRow
	query := `SELECT ` + ruleColumns + `
		FROM rules r
		LEFT JOIN rule_groups g ON g.id = r.group_id
		WHERE r.email_account_id = $1 AND r.enabled = true
		ORDER BY r.position, r.created_at`

	if err := a.db.SelectContext(ctx, &rows, query, emailAccountID); err != nil {
		return nil, apperr.DatabaseError("list rules", err)
	}

	rules := make([]*domain.Rule, len(rows))
	for i := range rows {
		rules[i] = rows[i].toEntity()
	}

	if err := a.loadActions(ctx, rules); err != nil {
		return nil, err
	}

	return rules, nil
}

// GetByID retrieves a rule with its actions.
func (a *RuleAdapter) GetByID(ctx context.Context, emailAccountID, ruleID string) (*domain.Rule, error) {
	return a.getOne(ctx, `r.email_account_id = $1 AND r.id = $2`, emailAccountID, ruleID)
}

// GetByName retrieves a rule by its display name.
func (a *RuleAdapter) GetByName(ctx context.Context, emailAccountID, name string) (*domain.Rule, error) {
	return a.getOne(ctx, `r.email_account_id = $1 AND r.name = $2`, emailAccountID, name)
}

func (a *RuleAdapter) getOne(ctx context.Context, where string, args ...any) (*domain.Rule, error) {
	var row ruleRow
	query := `SELECT ` + ruleColumns + `
		FROM rules r
		LEFT JOIN rule_groups g ON g.id = r.group_id
		WHERE ` + where

	if err := a.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("rule")
		}
		return nil, apperr.DatabaseError("get rule", err)
	}

	rule := row.toEntity()
	if err := a.loadActions(ctx, []*domain.Rule{rule}); err != nil {
		return nil, err
	}
	return rule, nil
}

func (a *RuleAdapter) loadActions(ctx context.Context, rules []*domain.Rule) error {
	if len(rules) == 0 {
		return nil
	}

	byID := make(map[string]*domain.Rule, len(rules))
	ids := make([]string, len(rules))
	for i, r := range rules {
		byID[r.ID] = r
		ids[i] = r.ID
	}

	var rows []actionRow
	query := `SELECT id, rule_id, type, label, label_id, subject, content, to_address, cc, bcc,
			url, folder_name, folder_id, delay_in_minutes
		FROM actions
		WHERE rule_id = ANY($1)
		ORDER BY created_at`

	if err := a.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return apperr.DatabaseError("list actions", err)
	}

	for i := range rows {
		if r, ok := byID[rows[i].RuleID]; ok {
			r.Actions = append(r.Actions, rows[i].toEntity())
		}
	}
	return nil
}

// =============================================================================
// Email Account
// =============================================================================

// EmailAccountAdapter implements out.EmailAccountRepository.
type EmailAccountAdapter struct {
	db     *sqlx.DB
	sealer *crypto.Sealer
}

// NewEmailAccountAdapter creates the adapter. sealer may be nil, in which
// case sealed API keys are rejected rather than handed to a provider.
func NewEmailAccountAdapter(db *sqlx.DB, sealer *crypto.Sealer) *EmailAccountAdapter {
	return &EmailAccountAdapter{db: db, sealer: sealer}
}

type emailAccountRow struct {
	ID         string         `db:"id"`
	Email      string         `db:"email"`
	UserID     string         `db:"user_id"`
	Provider   string         `db:"provider"`
	About      sql.NullString `db:"about"`
	AIProvider sql.NullString `db:"ai_provider"`
	AIModel    sql.NullString `db:"ai_model"`
	AIAPIKey   sql.NullString `db:"ai_api_key"`
}

// GetByID loads an account with its AI settings.
func (a *EmailAccountAdapter) GetByID(ctx context.Context, id string) (*domain.EmailAccount, error) {
	var row emailAccountRow
	query := `SELECT ea.id, ea.email, ea.user_id, ea.provider, ea.about,
			u.ai_provider, u.ai_model, u.ai_api_key
		FROM email_accounts ea
		JOIN users u ON u.id = ea.user_id
		WHERE ea.id = $1`

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound(fmt.Sprintf("email account %s", id))
		}
		return nil, apperr.DatabaseError("get email account", err)
	}

	apiKey, err := a.openAPIKey(row.AIAPIKey.String)
	if err != nil {
		return nil, apperr.ConfigError(fmt.Sprintf("email account %s: %v", id, err))
	}

	return &domain.EmailAccount{
		ID:         row.ID,
		Email:      row.Email,
		UserID:     row.UserID,
		Provider:   domain.Provider(row.Provider),
		About:      row.About.String,
		AIProvider: row.AIProvider.String,
		AIModel:    row.AIModel.String,
		AIAPIKey:   apiKey,
	}, nil
}

func (a *EmailAccountAdapter) openAPIKey(stored string) (string, error) {
	if !crypto.IsSealed(stored) {
		return stored, nil
	}
	if a.sealer == nil {
		return "", errors.New("api key is sealed but ENCRYPTION_KEY is not set")
	}
	return a.sealer.Open(stored)
}

var (
	_ out.RuleRepository         = (*RuleAdapter)(nil)
	_ out.EmailAccountRepository = (*EmailAccountAdapter)(nil)
)
