package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/triage-ai/semgate/internal/apperror"
	"go.uber.org/zap"
)

const maxSlugAttempts = 100

// EnsureTenant returns the tenant for externalID, creating it on first
// sight. The slug is derived from externalID and de-duplicated by
// appending -2, -3, ... until free.
func (r *Registry) EnsureTenant(ctx context.Context, externalID, name string) (*Tenant, error) {
	if externalID == "" {
		return nil, apperror.Validation("INVALID_TENANT", "external tenant id is required")
	}
	if t, err := r.store.GetTenantByExternalID(ctx, externalID); err != nil || t != nil {
		if err != nil {
			return nil, fmt.Errorf("EnsureTenant: %w", err)
		}
		return t, nil
	}

	base := DeriveTenantSlug(externalID)
	if name == "" {
		name = externalID
	}
	for n := 1; n <= maxSlugAttempts; n++ {
		slug := base
		if n > 1 {
			slug = suffixedSlug(base, n)
		}
		taken, err := r.store.GetTenantBySlug(ctx, slug)
		if err != nil {
			return nil, fmt.Errorf("EnsureTenant: %w", err)
		}
		if taken != nil {
			continue
		}

		t, err := r.store.InsertTenant(ctx, &Tenant{
			ID:         uuid.NewString(),
			ExternalID: externalID,
			Slug:       slug,
			Name:       name,
		})
		if errors.Is(err, ErrConflict) {
			// Lost a race: either the slug or the external id was taken.
			if existing, gerr := r.store.GetTenantByExternalID(ctx, externalID); gerr == nil && existing != nil {
				return existing, nil
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("EnsureTenant: %w", err)
		}
		r.logger.Info("tenant created",
			zap.String("tenant_id", t.ID),
			zap.String("slug", t.Slug),
		)
		return t, nil
	}
	return nil, apperror.Conflict("TENANT_SLUG_EXHAUSTED",
		fmt.Sprintf("could not find a free slug for %q", base))
}

// GetTenant returns the tenant by id, or nil.
func (r *Registry) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t, err := r.store.GetTenant(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetTenant: %w", err)
	}
	return t, nil
}

// GetTenantBySlug returns the tenant by slug, or nil.
func (r *Registry) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	t, err := r.store.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("GetTenantBySlug: %w", err)
	}
	return t, nil
}

// UpdateTenantSlug renames a tenant. Malformed slugs are a validation
// error, a slug owned by another tenant is a conflict, and setting the
// current slug again succeeds without writing.
func (r *Registry) UpdateTenantSlug(ctx context.Context, tenantID, slug string) (*Tenant, error) {
	if err := ValidateTenantSlug(slug); err != nil {
		return nil, apperror.Validation("INVALID_SLUG", err.Error())
	}
	t, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("UpdateTenantSlug: %w", err)
	}
	if t == nil {
		return nil, apperror.NotFound("TENANT_NOT_FOUND", fmt.Sprintf("tenant %q not found", tenantID))
	}
	if t.Slug == slug {
		return t, nil
	}

	owner, err := r.store.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("UpdateTenantSlug: %w", err)
	}
	if owner != nil && owner.ID != tenantID {
		return nil, apperror.Conflict("SLUG_TAKEN", fmt.Sprintf("slug %q is already in use", slug))
	}

	updated, err := r.store.UpdateTenantSlug(ctx, tenantID, slug)
	if errors.Is(err, ErrConflict) {
		return nil, apperror.Conflict("SLUG_TAKEN", fmt.Sprintf("slug %q is already in use", slug))
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateTenantSlug: %w", err)
	}
	if updated == nil {
		return nil, apperror.NotFound("TENANT_NOT_FOUND", fmt.Sprintf("tenant %q not found", tenantID))
	}
	return updated, nil
}
