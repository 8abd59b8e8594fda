package gitlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/vyvo/compute/reviewci/pkg/revision"
)

// LogSource produces the raw history dump of a repository.
type LogSource interface {
	AllLogEntries(ctx context.Context, repoPath string) (string, error)
}

// LogReader dumps every commit reachable from any reference of a local
// repository, one "'<id>#<committer epoch seconds>'" line per commit.
type LogReader struct{}

var _ LogSource = LogReader{}

func (LogReader) AllLogEntries(ctx context.Context, repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", &RepositoryError{Path: repoPath, Err: fmt.Errorf("%w: %v", ErrNotRepository, err)}
	}

	iter, err := repo.Log(&git.LogOptions{All: true, Order: git.LogOrderCommitterTime})
	if err != nil {
		return "", fmt.Errorf("read log of %s: %w", repoPath, err)
	}
	defer iter.Close()

	var b strings.Builder
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.WriteString(formatEntry(c.Hash.String(), c.Committer.When.Unix()))
		b.WriteByte('\n')
		return nil
	})
	if err != nil && err != storer.ErrStop {
		return "", fmt.Errorf("walk log of %s: %w", repoPath, err)
	}
	return b.String(), nil
}

// CommitTime returns the committer time of id in a local repository, at the
// same second precision the log dump carries.
func CommitTime(repoPath, id string) (time.Time, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return time.Time{}, &RepositoryError{Path: repoPath, Err: fmt.Errorf("%w: %v", ErrNotRepository, err)}
	}
	c, err := repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return time.Time{}, fmt.Errorf("look up commit %s in %s: %w", id, repoPath, err)
	}
	return time.Unix(c.Committer.When.Unix(), 0).UTC(), nil
}

func formatEntry(id string, seconds int64) string {
	return fmt.Sprintf("'%s%s%d'", id, revision.Separator, seconds)
}
