package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"siteexport/internal/config"
	"siteexport/internal/store"
)

// AdministratorRole can never be removed from the allowed set.
const AdministratorRole = "administrator"

// ErrUnknownRole reports a role slug outside the configured catalog.
var ErrUnknownRole = errors.New("unknown role")

// Roles resolves the site's role catalog and the persisted set of roles
// allowed to use the export endpoints.
type Roles struct {
	store   store.Store
	catalog []config.Role
}

func NewRoles(st store.Store, catalog []config.Role) *Roles {
	return &Roles{store: st, catalog: catalog}
}

// Available returns every role the host site knows about.
func (r *Roles) Available() []config.Role {
	out := make([]config.Role, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Allowed returns the persisted allowed-role slugs, defaulting to the
// administrator role when nothing has been stored yet.
func (r *Roles) Allowed(ctx context.Context) ([]string, error) {
	value, err := r.store.Get(ctx, store.RolesKey())
	if errors.Is(err, store.ErrKeyNotFound) {
		return []string{AdministratorRole}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load allowed roles: %w", err)
	}
	var slugs []string
	if err := json.Unmarshal(value, &slugs); err != nil {
		return nil, fmt.Errorf("unmarshal allowed roles: %w", err)
	}
	return slugs, nil
}

// UpdateAllowed replaces the allowed set. Slugs must exist in the
// catalog; duplicates are dropped and the administrator role is always
// forced into the result, even for an empty input.
func (r *Roles) UpdateAllowed(ctx context.Context, slugs []string) ([]string, error) {
	known := make(map[string]struct{}, len(r.catalog))
	for _, role := range r.catalog {
		known[role.Slug] = struct{}{}
	}

	set := map[string]struct{}{AdministratorRole: {}}
	for _, slug := range slugs {
		slug = strings.ToLower(strings.TrimSpace(slug))
		if slug == "" {
			continue
		}
		if _, ok := known[slug]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, slug)
		}
		set[slug] = struct{}{}
	}

	allowed := make([]string, 0, len(set))
	for slug := range set {
		allowed = append(allowed, slug)
	}
	sort.Strings(allowed)

	value, err := json.Marshal(allowed)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed roles: %w", err)
	}
	if err := r.store.Put(ctx, store.RolesKey(), value); err != nil {
		return nil, fmt.Errorf("persist allowed roles: %w", err)
	}
	return allowed, nil
}

// IsAllowed reports whether any of the caller's roles intersects the
// allowed set.
func (r *Roles) IsAllowed(ctx context.Context, callerRoles []string) (bool, error) {
	allowed, err := r.Allowed(ctx)
	if err != nil {
		return false, err
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, slug := range allowed {
		allowedSet[slug] = struct{}{}
	}
	for _, slug := range callerRoles {
		if _, ok := allowedSet[strings.ToLower(slug)]; ok {
			return true, nil
		}
	}
	return false, nil
}
