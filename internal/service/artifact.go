package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/artifact"
)

// ArtifactStore commits generated file content under one project's
// workspace directory. Writes are serialized per path, and the conflict
// check is content-addressed: re-producing identical bytes is a no-op,
// while differing bytes without overwrite fail loudly instead of
// clobbering completed work.
//
// The authoritative record map lives on the project aggregate; Put only
// consults it and returns the record the caller commits after the task is
// confirmed.
type ArtifactStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewArtifactStore creates a store rooted at the given workspace directory.
func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// Root returns the workspace directory artifacts are written under.
func (a *ArtifactStore) Root() string {
	return a.root
}

// Put writes content at the workspace-relative path. When the path is
// already tracked in state with a different hash and overwrite is false,
// it fails with domain.ErrArtifactConflict and writes nothing. Identical
// content returns the existing record untouched.
func (a *ArtifactStore) Put(state map[string]artifact.Record, path string, content []byte, overwrite bool, summary string) (artifact.Record, error) {
	rel, err := a.cleanPath(path)
	if err != nil {
		return artifact.Record{}, err
	}

	lock := a.pathLock(rel)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := state[rel]; ok {
		if existing.Hash == artifact.HashContent(content) {
			return existing, nil
		}
		if !overwrite {
			return artifact.Record{}, fmt.Errorf("path %s: %w", rel, domain.ErrArtifactConflict)
		}
	}

	target := filepath.Join(a.root, rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return artifact.Record{}, fmt.Errorf("write artifact %s: %w", rel, err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return artifact.Record{}, fmt.Errorf("write artifact %s: %w", rel, err)
	}

	return artifact.NewRecord(rel, content, summary), nil
}

// ArtifactState returns the tracked record for a path, or
// domain.ErrNotFound.
func ArtifactState(state map[string]artifact.Record, path string) (artifact.Record, error) {
	rec, ok := state[filepath.Clean(path)]
	if !ok {
		return artifact.Record{}, fmt.Errorf("artifact %s: %w", path, domain.ErrNotFound)
	}
	return rec, nil
}

// cleanPath normalizes a workspace-relative path and rejects anything that
// would escape the workspace root.
func (a *ArtifactStore) cleanPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("artifact path is empty: %w", domain.ErrValidation)
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("artifact path %q is absolute: %w", path, domain.ErrValidation)
	}
	rel := filepath.Clean(path)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the workspace: %w", path, domain.ErrValidation)
	}
	return rel, nil
}

func (a *ArtifactStore) pathLock(rel string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[rel]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[rel] = lock
	}
	return lock
}
