// Package labels resolves between human-readable label names and the
// provider-assigned label ids the API actually operates on, caching the
// mapping so rule evaluation and action application don't re-list labels
// on every call.
package labels

import (
	"context"
	"strings"
	"sync"

	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
	"github.com/email-management-platform/backend/gmail-automation/pkg/provider"
)

// Resolver resolves label names to ids and back, backed by a provider's
// ListLabels call and an in-memory cache populated on demand. Safe for
// concurrent use.
type Resolver struct {
	p provider.Provider

	mu       sync.RWMutex
	nameToID map[string]string // lower(name) -> id, non-system labels only
	idToName map[string]string // id -> original-cased name
}

// New returns a Resolver backed by p. The cache is populated lazily on
// first resolution, not eagerly at construction.
func New(p provider.Provider) *Resolver {
	return &Resolver{
		p:        p,
		nameToID: map[string]string{},
		idToName: map[string]string{},
	}
}

// ResolveName returns the id for a label name. System label names (INBOX,
// UNREAD, ...) are returned unchanged since their id equals their name.
// A name missing from the cache is given two chances against the
// provider: the cache is refreshed from ListLabels and checked, then
// refreshed once more and checked again (at most two ListLabels calls), so
// a label created moments ago by another caller is still found without
// requiring the caller to invalidate the cache themselves.
func (r *Resolver) ResolveName(ctx context.Context, name string) (string, error) {
	if provider.IsSystemLabel(strings.ToUpper(name)) {
		return strings.ToUpper(name), nil
	}

	if id, ok := r.lookupName(name); ok {
		return id, nil
	}

	if err := r.refresh(ctx); err != nil {
		return "", err
	}
	if id, ok := r.lookupName(name); ok {
		return id, nil
	}

	if err := r.refresh(ctx); err != nil {
		return "", err
	}
	if id, ok := r.lookupName(name); ok {
		return id, nil
	}

	return "", errkind.New(errkind.NotFound, "ResolveName", "label not found: "+name)
}

// ResolveID returns the original-cased display name for a label id. System
// label ids are returned unchanged. Follows the same populate/re-lookup/
// force-refresh/re-lookup sequence as ResolveName; an id still unknown
// after the second refresh is returned unchanged.
func (r *Resolver) ResolveID(ctx context.Context, id string) (string, error) {
	if provider.IsSystemLabel(id) {
		return id, nil
	}

	if name, ok := r.lookupID(id); ok {
		return name, nil
	}

	if err := r.refresh(ctx); err != nil {
		return "", err
	}
	if name, ok := r.lookupID(id); ok {
		return name, nil
	}

	if err := r.refresh(ctx); err != nil {
		return "", err
	}
	if name, ok := r.lookupID(id); ok {
		return name, nil
	}

	return id, nil
}

// Invalidate clears the cache, forcing the next resolution to re-list.
// Callers should invoke this after creating a label through the provider
// (e.g. add_label on a name with no existing match).
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nameToID = map[string]string{}
	r.idToName = map[string]string{}
}

func (r *Resolver) lookupName(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[strings.ToLower(name)]
	return id, ok
}

func (r *Resolver) lookupID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.idToName[id]
	return name, ok
}

// refresh unconditionally re-lists labels from the provider and
// repopulates both cache directions. Every call to ResolveName/ResolveID
// that misses the cache issues its own refresh; nothing gates how
// recently the last refresh ran, since a gate would block resolution of
// a label the provider only just learned about.
func (r *Resolver) refresh(ctx context.Context) error {
	list, err := r.p.ListLabels(ctx)
	if err != nil {
		return errkind.Wrap(errkind.ProviderFatal, "ListLabels", err)
	}

	nameToID := make(map[string]string, len(list))
	idToName := make(map[string]string, len(list))
	for _, l := range list {
		if provider.IsSystemLabel(l.ID) {
			continue
		}
		nameToID[strings.ToLower(l.Name)] = l.ID
		idToName[l.ID] = l.Name
	}

	r.mu.Lock()
	r.nameToID = nameToID
	r.idToName = idToName
	r.mu.Unlock()
	return nil
}
