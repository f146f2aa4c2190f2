// ABOUTME: Endpoint declaration and lookup for the registry
// ABOUTME: Re-declaring a path leaves the persisted record untouched

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/aipim-gateway/internal/dispatch"
	"github.com/2389/aipim-gateway/internal/store"
)

// DeclareEndpoint records an endpoint unless its path is already declared. It
// returns the endpoint now on record and whether this call created it.
func (r *Registry) DeclareEndpoint(ctx context.Context, verb, path, acceptedType, producedType string) (store.Endpoint, bool, error) {
	path = dispatch.NormalizePath(path)
	acceptedType = strings.TrimSpace(acceptedType)
	producedType = strings.TrimSpace(producedType)
	if strings.TrimSpace(verb) == "" || path == "" || acceptedType == "" || producedType == "" {
		return store.Endpoint{}, false, fmt.Errorf("%w: verb, path, accepted type and produced type are required", ErrInvalidArgument)
	}
	v, err := dispatch.ParseVerb(verb)
	if err != nil {
		return store.Endpoint{}, false, err
	}
	if !r.Loaded() {
		return store.Endpoint{}, false, ErrNotInitialized
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	existing, ok := r.endpoints[path]
	r.mu.RUnlock()
	if ok {
		if existing.Verb != v.String() || existing.AcceptedType != acceptedType || existing.ProducedType != producedType {
			r.logger.Warn("endpoint already declared with different metadata, keeping the original",
				"path", path, "verb", existing.Verb, "requested_verb", v.String())
		}
		return existing, false, nil
	}

	endpoint := &store.Endpoint{
		Verb:         v.String(),
		Path:         path,
		AcceptedType: acceptedType,
		ProducedType: producedType,
	}
	apiID, revision := r.snapshot()
	newRevision, err := r.store.AppendEndpoint(ctx, apiID, revision, endpoint)
	if errors.Is(err, store.ErrDuplicate) {
		// Declared by another process since our last load.
		if rerr := r.refresh(ctx, apiID); rerr != nil {
			return store.Endpoint{}, false, rerr
		}
		r.mu.RLock()
		existing, ok = r.endpoints[path]
		r.mu.RUnlock()
		if ok {
			return existing, false, nil
		}
		return store.Endpoint{}, false, fmt.Errorf("endpoint %s: %w", path, err)
	}
	if err != nil {
		return store.Endpoint{}, false, fmt.Errorf("persisting endpoint %s: %w", path, r.recoverFromConflict(ctx, err))
	}

	r.mu.Lock()
	r.endpoints[path] = *endpoint
	r.order = append(r.order, path)
	r.revision = newRevision
	r.mu.Unlock()

	r.logger.Info("endpoint declared", "verb", endpoint.Verb, "path", path, "revision", newRevision)
	r.audit(ctx, store.AuditEntry{
		Actor:      "gateway",
		Action:     store.AuditDeclareEndpoint,
		TargetType: "endpoint",
		TargetID:   path,
		Detail: map[string]any{
			"verb":          endpoint.Verb,
			"accepted_type": acceptedType,
			"produced_type": producedType,
		},
	})
	return *endpoint, true, nil
}

// Endpoint returns the declared endpoint for path.
func (r *Registry) Endpoint(path string) (store.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[dispatch.NormalizePath(path)]
	return e, ok
}

// Endpoints returns all declared endpoints in declaration order.
func (r *Registry) Endpoints() []store.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Endpoint, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.endpoints[p])
	}
	return out
}
