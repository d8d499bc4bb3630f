package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// ArtifactRef points at one immutable step output in the artifact store.
// Key and Digest are write-once: a ref never changes content after it is
// recorded.
type ArtifactRef struct {
	Key       string
	Digest    digest.Digest
	SizeBytes int64
	MediaType string
	CreatedAt time.Time
}

func (a ArtifactRef) Validate() error {
	if strings.TrimSpace(a.Key) == "" {
		return errors.New("artifact key is required")
	}
	if a.Digest == "" {
		return errors.New("artifact digest is required")
	}
	if err := a.Digest.Validate(); err != nil {
		return fmt.Errorf("artifact digest: %w", err)
	}
	if a.SizeBytes < 0 {
		return errors.New("size bytes must not be negative")
	}
	return nil
}

// ArtifactKey builds the tenant-scoped object key for a step output.
func ArtifactKey(tenantID, runID, stepName string, dgst digest.Digest) string {
	return fmt.Sprintf("tenants/%s/runs/%s/steps/%s/%s", tenantID, runID, stepName, dgst.Encoded())
}

// ArtifactKeyPrefix is the key prefix all of a tenant's artifacts live under.
func ArtifactKeyPrefix(tenantID string) string {
	return "tenants/" + tenantID + "/"
}

// TenantOwnsArtifactKey reports whether key sits inside the tenant's prefix.
// Every read path checks this before touching the backend.
func TenantOwnsArtifactKey(tenantID, key string) bool {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(key) == "" {
		return false
	}
	if strings.Contains(key, "..") {
		return false
	}
	return strings.HasPrefix(key, ArtifactKeyPrefix(tenantID))
}

// EnsureArtifactRefImmutable enforces write-once semantics for refs.
func EnsureArtifactRefImmutable(before, after ArtifactRef) error {
	if before.Key == "" || after.Key == "" {
		return errors.New("artifact keys are required")
	}
	if before.Key != after.Key {
		return errors.New("artifact key is immutable")
	}
	if before.Digest != after.Digest {
		return errors.New("artifact digest is immutable")
	}
	if before.SizeBytes != after.SizeBytes {
		return errors.New("size bytes is immutable")
	}
	if before.MediaType != after.MediaType {
		return errors.New("media type is immutable")
	}
	return nil
}
