// Package catalog loads rule and policy definitions from YAML or JSON files
// and keeps in-memory stores in sync with them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/rules"
)

// Extensions are the file types read from a definitions directory
var Extensions = []string{".yaml", ".yml", ".json"}

// Definitions is the content of one or more definition files
type Definitions struct {
	Rules    []*rules.Rule      `yaml:"rules"`
	Policies []*decision.Policy `yaml:"policies"`
}

// defaults captures the fields whose absence means something other than
// the zero value.
type defaults struct {
	Rules []struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"rules"`
	Policies []struct {
		Enabled            *bool    `yaml:"enabled"`
		VariantAPercentage *float64 `yaml:"variant_a_percentage"`
	} `yaml:"policies"`
}

// Parse decodes one definitions document. JSON is accepted as YAML.
// Omitted enabled flags default to true and an omitted
// variant_a_percentage defaults to 100.
func Parse(data []byte) (*Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}
	var d defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}

	for i, r := range defs.Rules {
		if r == nil {
			return nil, fmt.Errorf("rule %d is empty", i)
		}
		if i < len(d.Rules) && d.Rules[i].Enabled == nil {
			r.Enabled = true
		}
	}
	for i, p := range defs.Policies {
		if p == nil {
			return nil, fmt.Errorf("policy %d is empty", i)
		}
		if i >= len(d.Policies) {
			continue
		}
		if d.Policies[i].Enabled == nil {
			p.Enabled = true
		}
		if d.Policies[i].VariantAPercentage == nil {
			p.VariantAPercentage = decision.DefaultVariantAPercentage
		}
	}
	return &defs, nil
}

// Validate checks every definition and that IDs are unique
func (d *Definitions) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for _, r := range d.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate rule id %q", r.ID))
		}
		seen[r.ID] = true
	}

	seen = make(map[string]bool)
	for _, p := range d.Policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, err))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate policy id %q", p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}

// LoadFile reads and validates one definitions file
func LoadFile(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := defs.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadDir merges every definitions file directly under dir, in file name
// order. Hidden files are skipped.
func LoadDir(dir string) (*Definitions, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	merged := &Definitions{}
	for _, name := range names {
		defs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		merged.Rules = append(merged.Rules, defs.Rules...)
		merged.Policies = append(merged.Policies, defs.Policies...)
	}

	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return merged, nil
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, valid := range Extensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Apply makes engine and policies hold exactly the definitions: rules and
// policies that are no longer defined are deleted, the rest added or
// updated. Rule counters survive an update. Either target may be nil.
func Apply(ctx context.Context, defs *Definitions, engine *rules.Engine, policies decision.PolicyStore) error {
	var errs []error
	if engine != nil {
		if err := syncRules(engine, defs.Rules); err != nil {
			errs = append(errs, err)
		}
	}
	if policies != nil {
		if err := syncPolicies(ctx, policies, defs.Policies); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// replacer is implemented by stores that can swap their whole content
type replacer interface {
	Replace(policies []*decision.Policy)
}

func syncPolicies(ctx context.Context, store decision.PolicyStore, defined []*decision.Policy) error {
	if r, ok := store.(replacer); ok {
		r.Replace(defined)
		return nil
	}

	existing, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list policies: %w", err)
	}

	keep := make(map[string]bool, len(defined))
	for _, p := range defined {
		keep[p.ID] = true
	}

	var errs []error
	current := make(map[string]bool, len(existing))
	for _, p := range existing {
		current[p.ID] = true
		if !keep[p.ID] {
			if err := store.Delete(ctx, p.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, p := range defined {
		cp := *p
		if current[p.ID] {
			err = store.Update(ctx, &cp)
		} else {
			err = store.Add(ctx, &cp)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

func syncRules(engine *rules.Engine, defined []*rules.Rule) error {
	existing, err := engine.Store().List()
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}

	keep := make(map[string]bool, len(defined))
	for _, r := range defined {
		keep[r.ID] = true
	}

	var errs []error
	current := make(map[string]bool, len(existing))
	for _, r := range existing {
		current[r.ID] = true
		if !keep[r.ID] {
			if err := engine.DeleteRule(r.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, r := range defined {
		cp := *r
		if current[r.ID] {
			err = engine.UpdateRule(&cp)
		} else {
			err = engine.AddRule(&cp)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}
