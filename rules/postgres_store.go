package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore and StatsRecorder backed by PostgreSQL.
// Every query is scoped to one organization.
type PostgresRuleStore struct {
	db             *sql.DB
	organizationID string
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore for a specific organization
func NewPostgresRuleStore(db *sql.DB, organizationID string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:             db,
		organizationID: organizationID,
	}
}

const ruleColumns = `id, organization_id, name, description, priority, enabled, kind, logic,
	conditions, expression, action, trigger_count, true_positive_count, false_positive_count,
	last_triggered, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r             Rule
		conditions    []byte
		action        []byte
		lastTriggered sql.NullTime
	)
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Description, &r.Priority, &r.Enabled,
		&r.Kind, &r.Logic, &conditions, &r.Expression, &action,
		&r.Stats.TriggerCount, &r.Stats.TruePositiveCount, &r.Stats.FalsePositiveCount,
		&lastTriggered, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// A rule whose JSON columns cannot be decoded is still returned; with no
	// conditions it cannot trigger.
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			r.Conditions = nil
		}
	}
	if len(action) > 0 {
		_ = json.Unmarshal(action, &r.Action)
	}
	if lastTriggered.Valid {
		t := lastTriggered.Time
		r.Stats.LastTriggered = &t
	}
	return &r, nil
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(rule *Rule) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rules WHERE id = $1 AND organization_id = $2)
	`, rule.ID, s.organizationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	now := time.Now()
	rule.OrganizationID = s.organizationID
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rules (id, organization_id, name, description, priority, enabled, kind, logic,
			conditions, expression, action, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rule.ID, s.organizationID, rule.Name, rule.Description, rule.Priority, rule.Enabled,
		rule.Kind, rule.Logic, conditions, rule.Expression, action, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE id = $1 AND organization_id = $2
	`, id, s.organizationID)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// List returns all rules for the organization
func (s *PostgresRuleStore) List() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE organization_id = $1
		ORDER BY priority ASC, id ASC
	`)
}

// ListEnabled returns all enabled rules for the organization
func (s *PostgresRuleStore) ListEnabled() ([]*Rule, error) {
	return s.query(`
		SELECT `+ruleColumns+`
		FROM rules
		WHERE organization_id = $1 AND enabled = true
		ORDER BY priority ASC, id ASC
	`)
}

func (s *PostgresRuleStore) query(q string) ([]*Rule, error) {
	rows, err := s.db.Query(q, s.organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

// Update modifies an existing rule. Counters are left untouched.
func (s *PostgresRuleStore) Update(rule *Rule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rules
		SET name = $1, description = $2, priority = $3, enabled = $4, kind = $5, logic = $6,
			conditions = $7, expression = $8, action = $9, updated_at = $10
		WHERE id = $11 AND organization_id = $12
	`, rule.Name, rule.Description, rule.Priority, rule.Enabled, rule.Kind, rule.Logic,
		conditions, rule.Expression, action, rule.UpdatedAt, rule.ID, s.organizationID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return expectOneRow(result, rule.ID)
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rules
		WHERE id = $1 AND organization_id = $2
	`, id, s.organizationID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	return expectOneRow(result, id)
}

// RecordTrigger increments the trigger counter in a single statement so
// concurrent triggers never lose an update.
func (s *PostgresRuleStore) RecordTrigger(ctx context.Context, ruleID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET trigger_count = trigger_count + 1,
			last_triggered = GREATEST(COALESCE(last_triggered, $1), $1)
		WHERE id = $2 AND organization_id = $3
	`, at, ruleID, s.organizationID)
	if err != nil {
		return fmt.Errorf("failed to record trigger: %w", err)
	}
	return expectOneRow(result, ruleID)
}

// RecordFeedback increments the true or false positive counter
func (s *PostgresRuleStore) RecordFeedback(ctx context.Context, ruleID string, truePositive bool) error {
	column := "false_positive_count"
	if truePositive {
		column = "true_positive_count"
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET `+column+` = `+column+` + 1
		WHERE id = $1 AND organization_id = $2
	`, ruleID, s.organizationID)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	return expectOneRow(result, ruleID)
}

func expectOneRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}
