// Package multitenantengine keeps one rule engine and one policy store per
// organization, built from the organization's active record schema.
package multitenantengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/rules"
)

// ErrOrganizationNotFound is returned for organizations the manager has not loaded
var ErrOrganizationNotFound = errors.New("organization not found")

// Schema describes an organization's records: object name to field types.
// Each object becomes a CEL variable of the same name.
type Schema map[string]map[string]string

// Organization is a loaded organization with its engine and policy store
type Organization struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Schema        Schema               `json:"schema,omitempty"`
	SchemaVersion int                  `json:"schema_version"`
	Engine        *rules.Engine        `json:"-"`
	Policies      decision.PolicyStore `json:"-"`
}

// Manager holds the engines of all organizations. With a database every
// organization reads and writes its own rows; without one, stores are in
// memory.
// Safe for concurrent use.
type Manager struct {
	orgs        map[string]*Organization
	db          *sql.DB
	engineOpts  []rules.Option
	cacheTTL    time.Duration
	refreshCron *cron.Cron
	mu          sync.RWMutex
}

// Option configures a Manager
type Option func(*Manager)

// WithCacheTTL bounds how long an engine serves a cached rule set. Set it
// when several instances share a database so writes made elsewhere show up.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.cacheTTL = ttl }
}

// WithEngineOptions are applied to every engine the manager builds
func WithEngineOptions(opts ...rules.Option) Option {
	return func(m *Manager) { m.engineOpts = append(m.engineOpts, opts...) }
}

// NewManager creates a manager. db may be nil.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		orgs: make(map[string]*Organization),
		db:   db,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCELEnvFromSchema creates the CEL environment for an organization:
// record and enrichment, plus one dynamic variable per schema object.
func CreateCELEnvFromSchema(schema Schema) (*cel.Env, error) {
	opts := []cel.EnvOption{
		cel.Variable("record", cel.DynType),
		cel.Variable(rules.EnrichmentNamespace, cel.DynType),
	}
	for _, object := range sortedKeys(schema) {
		opts = append(opts, cel.Variable(object, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// LoadAll loads every organization and its active schema from the
// database. Organizations already loaded with the same schema version are
// kept as they are. A no-op without a database.
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.db == nil {
		return nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT o.id, o.name, COALESCE(s.version, 0), s.definition
		FROM organizations o
		LEFT JOIN schemas s ON s.organization_id = o.id AND s.active
		ORDER BY o.name
	`)
	if err != nil {
		return fmt.Errorf("failed to fetch organizations: %w", err)
	}
	defer rows.Close()

	type row struct {
		id, name string
		version  int
		schema   Schema
	}
	var loaded []row
	for rows.Next() {
		var (
			r          row
			definition []byte
		)
		if err := rows.Scan(&r.id, &r.name, &r.version, &definition); err != nil {
			return fmt.Errorf("failed to scan organization row: %w", err)
		}
		if len(definition) > 0 {
			if err := json.Unmarshal(definition, &r.schema); err != nil {
				return fmt.Errorf("invalid schema for organization %s: %w", r.id, err)
			}
		}
		loaded = append(loaded, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating organization rows: %w", err)
	}

	built := 0
	for _, r := range loaded {
		if existing, err := m.Get(r.id); err == nil && existing.SchemaVersion == r.version {
			continue
		}
		if err := m.Register(r.id, r.name, r.schema, r.version); err != nil {
			return fmt.Errorf("failed to initialize organization %s: %w", r.id, err)
		}
		built++
	}

	logger.Info("organizations loaded", "total", len(loaded), "rebuilt", built)
	return nil
}

// CreateOrganization persists a new organization with an optional initial
// schema and loads it.
func (m *Manager) CreateOrganization(ctx context.Context, name string, schema Schema) (*Organization, error) {
	if name == "" {
		return nil, errors.New("organization name is required")
	}
	version := 0
	if len(schema) > 0 {
		if err := ValidateSchema(schema); err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		version = 1
	}

	id := uuid.New().String()
	if m.db != nil {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := tx.QueryRowContext(ctx, `
			INSERT INTO organizations (name) VALUES ($1) RETURNING id
		`, name).Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to create organization: %w", err)
		}
		if version > 0 {
			if err := insertSchema(ctx, tx, id, schema); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit organization: %w", err)
		}
	} else {
		for _, o := range m.List() {
			if o.Name == name {
				return nil, fmt.Errorf("organization %q already exists", name)
			}
		}
	}

	if err := m.Register(id, name, schema, version); err != nil {
		return nil, err
	}
	return m.Get(id)
}

// Register builds the engine of an organization and swaps it in
func (m *Manager) Register(id, name string, schema Schema, version int) error {
	env, err := CreateCELEnvFromSchema(schema)
	if err != nil {
		return err
	}

	var (
		store    rules.RuleStore
		policies decision.PolicyStore
	)
	m.mu.RLock()
	existing := m.orgs[id]
	m.mu.RUnlock()

	switch {
	case m.db != nil:
		store = rules.NewPostgresRuleStore(m.db, id)
		policies = decision.NewPostgresPolicyStore(m.db, id)
	case existing != nil:
		// In-memory stores are the only copy of the rules; keep them.
		store = existing.Engine.Store()
		policies = existing.Policies
	default:
		store = rules.NewInMemoryRuleStore()
		policies = decision.NewInMemoryPolicyStore()
	}

	opts := append([]rules.Option{
		rules.WithCache(rules.NewInMemoryRuleSetCache(rules.CacheConfig{TTL: m.cacheTTL})),
	}, m.engineOpts...)
	engine, err := rules.NewEngineWithEnv(env, store, opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	m.mu.Lock()
	m.orgs[id] = &Organization{
		ID:            id,
		Name:          name,
		Schema:        schema,
		SchemaVersion: version,
		Engine:        engine,
		Policies:      policies,
	}
	m.mu.Unlock()
	return nil
}

// Get returns a loaded organization
func (m *Manager) Get(id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, fmt.Errorf("organization %s: %w", id, ErrOrganizationNotFound)
	}
	return o, nil
}

// GetEngine implements decision.Organizations
func (m *Manager) GetEngine(id string) (*rules.Engine, error) {
	o, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return o.Engine, nil
}

// GetPolicyStore implements decision.Organizations
func (m *Manager) GetPolicyStore(id string) (decision.PolicyStore, error) {
	o, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return o.Policies, nil
}

// UpdateSchema validates and saves a new schema version, then rebuilds the
// organization's engine against it. Evaluations in flight finish on the
// old engine.
func (m *Manager) UpdateSchema(ctx context.Context, id string, schema Schema) error {
	current, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := ValidateSchema(schema); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	version := current.SchemaVersion + 1
	if m.db != nil {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			UPDATE schemas SET active = false WHERE organization_id = $1
		`, id); err != nil {
			return fmt.Errorf("failed to deactivate old schemas: %w", err)
		}
		if err := insertSchema(ctx, tx, id, schema); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT version FROM schemas WHERE organization_id = $1 AND active
		`, id).Scan(&version); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit schema: %w", err)
		}
	}

	if err := m.Register(id, current.Name, schema, version); err != nil {
		return err
	}

	enabled := 0
	if o, err := m.Get(id); err == nil {
		if list, err := o.Engine.Store().ListEnabled(); err == nil {
			enabled = len(list)
		}
	}
	logger.Info("organization schema updated", "organization_id", id, "version", version, "enabled_rules", enabled)
	return nil
}

func insertSchema(ctx context.Context, tx *sql.Tx, id string, schema Schema) error {
	definition, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO schemas (organization_id, version, definition, active)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true
		FROM schemas
		WHERE organization_id = $1
	`, id, definition)
	if err != nil {
		return fmt.Errorf("failed to save schema: %w", err)
	}
	return nil
}

// List returns the loaded organizations ordered by name
func (m *Manager) List() []*Organization {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove drops an organization from the manager; stored rows are untouched
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[id]; !ok {
		return fmt.Errorf("organization %s: %w", id, ErrOrganizationNotFound)
	}
	delete(m.orgs, id)
	return nil
}

// StartRefresh reloads organizations from the database on a cron schedule
// so schema changes made by other instances are picked up. An empty
// schedule disables refreshing.
func (m *Manager) StartRefresh(ctx context.Context, schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	if m.db == nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if err := m.LoadAll(ctx); err != nil {
			logger.Error("organization refresh failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}

	m.mu.Lock()
	if m.refreshCron != nil {
		m.refreshCron.Stop()
	}
	m.refreshCron = c
	m.mu.Unlock()

	c.Start()
	logger.Info("organization refresh scheduled", "schedule", schedule)

	go func() {
		<-ctx.Done()
		m.StopRefresh()
	}()
	return nil
}

// StopRefresh stops scheduled refreshing and waits for a running refresh
func (m *Manager) StopRefresh() {
	m.mu.Lock()
	c := m.refreshCron
	m.refreshCron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
