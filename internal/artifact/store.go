// Package artifact stores immutable step outputs. Keys are content-addressed
// under a tenant prefix; a ref handed out once always resolves to the same
// bytes or to an error, never to different content.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/loomworks/loom-go/internal/domain"
)

var (
	// ErrNotFound reports a ref whose object is missing from the backend.
	ErrNotFound = errors.New("artifact not found")
	// ErrForbidden reports a key outside the calling tenant's namespace.
	ErrForbidden = errors.New("artifact key outside tenant namespace")
)

// Store persists step outputs. Put is idempotent for identical bytes: the
// key embeds the content digest, so re-writing the same output lands on the
// same object.
type Store interface {
	Put(ctx context.Context, tenantID, runID, stepName, mediaType string, data []byte) (domain.ArtifactRef, error)
	Get(ctx context.Context, tenantID string, ref domain.ArtifactRef) ([]byte, error)
	Exists(ctx context.Context, tenantID string, ref domain.ArtifactRef) (bool, error)
}

func newRef(tenantID, runID, stepName, mediaType string, data []byte, now time.Time) domain.ArtifactRef {
	dgst := digest.FromBytes(data)
	return domain.ArtifactRef{
		Key:       domain.ArtifactKey(tenantID, runID, stepName, dgst),
		Digest:    dgst,
		SizeBytes: int64(len(data)),
		MediaType: mediaType,
		CreatedAt: now.UTC(),
	}
}

func guardRead(tenantID string, ref domain.ArtifactRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if !domain.TenantOwnsArtifactKey(tenantID, ref.Key) {
		return ErrForbidden
	}
	return nil
}

func verifyContent(ref domain.ArtifactRef, data []byte) error {
	if got := digest.FromBytes(data); got != ref.Digest {
		return fmt.Errorf("artifact %s content mismatch: got %s", ref.Key, got)
	}
	return nil
}
