package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var (
	databaseSlugRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)
	tenantSlugRe   = regexp.MustCompile(`^[a-z][a-z0-9-]{2,47}$`)
	nonSlugChars   = regexp.MustCompile(`[^a-z0-9]+`)
)

const (
	tenantSlugMin = 3
	tenantSlugMax = 48
)

// ScopeDatabaseID derives the storage identifier for a database slug.
// Without a tenant the slug is used as-is. With a tenant, an 8 hex digit
// SHA-256 digest of (slug, tenant) is appended so equal slugs owned by
// different tenants never share a key.
func ScopeDatabaseID(slug, tenantID string) string {
	if tenantID == "" {
		return slug
	}
	sum := sha256.Sum256([]byte(slug + "\x00" + tenantID))
	return slug + "-" + hex.EncodeToString(sum[:])[:8]
}

// ValidDatabaseSlug reports whether slug is acceptable as a database slug.
func ValidDatabaseSlug(slug string) bool {
	return databaseSlugRe.MatchString(slug)
}

// ValidateTenantSlug checks the tenant slug rules: 3-48 characters,
// lowercase, starting with a letter, then letters, digits or hyphens.
func ValidateTenantSlug(slug string) error {
	if !tenantSlugRe.MatchString(slug) {
		return fmt.Errorf("slug %q must be %d-%d lowercase characters, start with a letter, and contain only letters, digits or hyphens",
			slug, tenantSlugMin, tenantSlugMax)
	}
	return nil
}

// DeriveTenantSlug turns an external identity (org id, email domain, ...)
// into a base tenant slug. The result always satisfies ValidateTenantSlug.
func DeriveTenantSlug(externalID string) string {
	s := strings.ToLower(externalID)
	if at := strings.LastIndex(s, "@"); at >= 0 && at < len(s)-1 {
		s = s[:at]
	}
	s = nonSlugChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	// leading digits and hyphens are not allowed
	s = strings.TrimLeft(s, "0123456789-")
	if s == "" {
		s = "tenant"
	}
	if len(s) < tenantSlugMin {
		s = "tenant-" + s
	}
	if len(s) > tenantSlugMax {
		s = strings.TrimRight(s[:tenantSlugMax], "-")
	}
	return s
}

// suffixedSlug returns base with a numeric suffix, trimming base so the
// result stays within the length limit.
func suffixedSlug(base string, n int) string {
	suffix := fmt.Sprintf("-%d", n)
	if len(base)+len(suffix) > tenantSlugMax {
		base = strings.TrimRight(base[:tenantSlugMax-len(suffix)], "-")
	}
	return base + suffix
}
