package main

import (
	"context"
	"fmt"

	"github.com/liamcoop/decisions/catalog"
	"github.com/liamcoop/decisions/multitenantengine"
)

// LoadDefinitions applies the rule and policy files of dir to the named
// organization, creating it when missing. The returned watcher has already
// applied the directory once; run it to follow later changes.
func (s *Server) LoadDefinitions(ctx context.Context, dir, orgName string) (*catalog.Watcher, error) {
	org, err := s.organizationByName(ctx, orgName)
	if err != nil {
		return nil, err
	}
	orgID := org.ID

	apply := func(defs *catalog.Definitions) error {
		// Looked up on every load: a schema change swaps the engine.
		current, err := s.orgs.Get(orgID)
		if err != nil {
			return err
		}
		for _, r := range defs.Rules {
			r.OrganizationID = orgID
		}
		for _, p := range defs.Policies {
			p.OrganizationID = orgID
		}
		if err := catalog.Apply(ctx, defs, current.Engine, current.Policies); err != nil {
			return err
		}
		for _, p := range defs.Policies {
			s.decisions.Forget(orgID, p.ID)
		}
		return nil
	}

	w, err := catalog.NewWatcher(dir, catalog.DefaultDebounce, apply)
	if err != nil {
		return nil, err
	}
	if err := w.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load definitions from %s: %w", dir, err)
	}
	return w, nil
}

func (s *Server) organizationByName(ctx context.Context, name string) (*multitenantengine.Organization, error) {
	for _, o := range s.orgs.List() {
		if o.Name == name {
			return o, nil
		}
	}
	return s.orgs.CreateOrganization(ctx, name, nil)
}
