package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/decisions/workflow"
)

// PostgresPolicyStore implements PolicyStore backed by PostgreSQL.
// Every query is scoped to one organization.
type PostgresPolicyStore struct {
	db             *sql.DB
	organizationID string
}

// NewPostgresPolicyStore creates a PostgreSQL-backed PolicyStore for an organization
func NewPostgresPolicyStore(db *sql.DB, organizationID string) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db, organizationID: organizationID}
}

const policyColumns = `id, organization_id, name, description, graph, variant_b,
	variant_a_percentage, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var (
		p        Policy
		graph    []byte
		variantB []byte
	)
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Description, &graph, &variantB,
		&p.VariantAPercentage, &p.Enabled, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// An undecodable graph leaves the policy without nodes; executing it
	// ends in an error decision.
	if err := json.Unmarshal(graph, &p.Graph); err != nil {
		p.Graph = workflow.Graph{}
	}
	if len(variantB) > 0 {
		var g workflow.Graph
		if err := json.Unmarshal(variantB, &g); err == nil {
			p.VariantB = &g
		}
	}
	return &p, nil
}

func encodeGraphs(p *Policy) (graph []byte, variantB []byte, err error) {
	graph, err = json.Marshal(p.Graph)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode graph: %w", err)
	}
	if p.VariantB != nil {
		variantB, err = json.Marshal(p.VariantB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode variant_b: %w", err)
		}
	}
	return graph, variantB, nil
}

// Add inserts a new policy
func (s *PostgresPolicyStore) Add(ctx context.Context, p *Policy) error {
	graph, variantB, err := encodeGraphs(p)
	if err != nil {
		return err
	}

	now := time.Now()
	p.OrganizationID = s.organizationID
	p.CreatedAt = now
	p.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (id, organization_id, name, description, graph, variant_b,
			variant_a_percentage, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (organization_id, id) DO NOTHING
	`, p.ID, s.organizationID, p.Name, p.Description, graph, variantB,
		p.VariantAPercentage, p.Enabled, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("policy with ID %s already exists", p.ID)
	}
	return nil
}

// Get retrieves a policy by ID
func (s *PostgresPolicyStore) Get(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE id = $1 AND organization_id = $2
	`, id, s.organizationID)

	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, ErrPolicyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

// List returns the organization's policies ordered by ID
func (s *PostgresPolicyStore) List(ctx context.Context) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE organization_id = $1
		ORDER BY id
	`, s.organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}
	return policies, nil
}

// Update replaces a policy's definition
func (s *PostgresPolicyStore) Update(ctx context.Context, p *Policy) error {
	graph, variantB, err := encodeGraphs(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE policies
		SET name = $1, description = $2, graph = $3, variant_b = $4,
			variant_a_percentage = $5, enabled = $6, updated_at = $7
		WHERE id = $8 AND organization_id = $9
	`, p.Name, p.Description, graph, variantB, p.VariantAPercentage, p.Enabled, p.UpdatedAt,
		p.ID, s.organizationID)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	return expectOnePolicy(result, p.ID)
}

// Delete removes a policy and, through the foreign key, its stats
func (s *PostgresPolicyStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM policies
		WHERE id = $1 AND organization_id = $2
	`, id, s.organizationID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	return expectOnePolicy(result, id)
}

func expectOnePolicy(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("policy %s: %w", id, ErrPolicyNotFound)
	}
	return nil
}

// PostgresStatsStore implements StatsStore in the policy_stats table
type PostgresStatsStore struct {
	db *sql.DB
}

// NewPostgresStatsStore creates a PostgreSQL-backed StatsStore
func NewPostgresStatsStore(db *sql.DB) *PostgresStatsStore {
	return &PostgresStatsStore{db: db}
}

// Record upserts the overall and the variant rows in one statement. The
// incremental formulas run inside the row lock taken by ON CONFLICT.
func (s *PostgresStatsStore) Record(ctx context.Context, organizationID, policyID string, variant Variant, decision workflow.Decision, elapsedMs float64) error {
	if err := validVariant(variant); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_stats (organization_id, policy_id, scope, execution_count,
			approval_rate, avg_execution_time_ms, updated_at)
		VALUES ($1, $2, 'all', 1, $4::double precision, $5::double precision, NOW()),
			($1, $2, $3, 1, $4::double precision, $5::double precision, NOW())
		ON CONFLICT (organization_id, policy_id, scope) DO UPDATE SET
			execution_count = policy_stats.execution_count + 1,
			approval_rate = (policy_stats.approval_rate * policy_stats.execution_count + EXCLUDED.approval_rate)
				/ (policy_stats.execution_count + 1),
			avg_execution_time_ms = (policy_stats.avg_execution_time_ms * policy_stats.execution_count + EXCLUDED.avg_execution_time_ms)
				/ (policy_stats.execution_count + 1),
			updated_at = NOW()
	`, organizationID, policyID, string(variant), approvedValue(decision), elapsedMs)
	if err != nil {
		return fmt.Errorf("failed to record policy stats: %w", err)
	}
	return nil
}

// Get implements StatsStore
func (s *PostgresStatsStore) Get(ctx context.Context, organizationID, policyID string) (*PolicyStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, execution_count, approval_rate, avg_execution_time_ms
		FROM policy_stats
		WHERE organization_id = $1 AND policy_id = $2
	`, organizationID, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get policy stats: %w", err)
	}
	defer rows.Close()

	out := &PolicyStats{OrganizationID: organizationID, PolicyID: policyID, Variants: make(map[Variant]AggregateStats)}
	for rows.Next() {
		var (
			scope string
			agg   AggregateStats
		)
		if err := rows.Scan(&scope, &agg.ExecutionCount, &agg.ApprovalRate, &agg.AvgExecutionTimeMs); err != nil {
			return nil, fmt.Errorf("failed to scan policy stats: %w", err)
		}
		if Scope(scope) == ScopeAll {
			out.Overall = agg
		} else {
			out.Variants[Variant(scope)] = agg
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy stats: %w", err)
	}
	return out, nil
}
