package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/loomworks/loom-go/internal/domain"
)

// FSStore keeps artifacts on a billy filesystem, one file per key. Backed by
// osfs in local mode and memfs in tests.
type FSStore struct {
	fs  billy.Filesystem
	now func() time.Time
}

func NewFSStore(fsys billy.Filesystem, now func() time.Time) (*FSStore, error) {
	if fsys == nil {
		return nil, errors.New("filesystem is required")
	}
	if now == nil {
		now = time.Now
	}
	return &FSStore{fs: fsys, now: now}, nil
}

func (s *FSStore) Put(ctx context.Context, tenantID, runID, stepName, mediaType string, data []byte) (domain.ArtifactRef, error) {
	if s == nil || s.fs == nil {
		return domain.ArtifactRef{}, errors.New("artifact store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return domain.ArtifactRef{}, err
	}
	ref := newRef(tenantID, runID, stepName, mediaType, data, s.now())
	if err := ref.Validate(); err != nil {
		return domain.ArtifactRef{}, err
	}
	if _, err := s.fs.Stat(ref.Key); err == nil {
		return ref, nil
	}
	if err := s.fs.MkdirAll(path.Dir(ref.Key), 0o755); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("put %s: %w", ref.Key, err)
	}
	if err := util.WriteFile(s.fs, ref.Key, data, 0o644); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("put %s: %w", ref.Key, err)
	}
	return ref, nil
}

func (s *FSStore) Get(ctx context.Context, tenantID string, ref domain.ArtifactRef) ([]byte, error) {
	if s == nil || s.fs == nil {
		return nil, errors.New("artifact store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := guardRead(tenantID, ref); err != nil {
		return nil, err
	}
	data, err := util.ReadFile(s.fs, ref.Key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", ref.Key, err)
	}
	if err := verifyContent(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, tenantID string, ref domain.ArtifactRef) (bool, error) {
	if s == nil || s.fs == nil {
		return false, errors.New("artifact store not initialized")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := guardRead(tenantID, ref); err != nil {
		return false, err
	}
	_, err := s.fs.Stat(ref.Key)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", ref.Key, err)
	}
}
