package gitlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

var (
	ErrNotRepository = errors.New("not a git repository")
	ErrNoHead        = errors.New("HEAD cannot be resolved")
)

// RepositoryError reports that a workspace path is not a usable repository.
type RepositoryError struct {
	Path string
	Err  error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Path, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// HeadResolver returns the commit checked out as HEAD in subdir of a build
// workspace. Implementations may run on another node, so callers treat the
// call as a network operation that can fail on its own.
type HeadResolver interface {
	ResolveHead(ctx context.Context, workspace, subdir string) (string, error)
}

// LocalResolver resolves HEAD in a workspace on this machine using go-git.
type LocalResolver struct{}

var _ HeadResolver = LocalResolver{}

func (LocalResolver) ResolveHead(ctx context.Context, workspace, subdir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(workspace, subdir)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", &RepositoryError{Path: dir, Err: fmt.Errorf("%w: failed to find repository directory", ErrNotRepository)}
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", &RepositoryError{Path: dir, Err: fmt.Errorf("%w: failed to read repository: %v", ErrNotRepository, err)}
	}
	ref, err := repo.Head()
	if err != nil {
		return "", &RepositoryError{Path: dir, Err: fmt.Errorf("%w: %v, are you sure this is a git checkout?", ErrNoHead, err)}
	}
	return ref.Hash().String(), nil
}
