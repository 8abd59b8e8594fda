package gitlog

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/vyvo/compute/reviewci/pkg/revision"
)

const maxSymrefDepth = 5

// fileSystem is the read-only view of a build node's disk that HEAD
// resolution needs.
type fileSystem interface {
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
}

type sftpFS struct {
	client *sftp.Client
}

func (f sftpFS) Stat(name string) (os.FileInfo, error) {
	return f.client.Stat(name)
}

func (f sftpFS) ReadFile(name string) ([]byte, error) {
	file, err := f.client.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// SFTPResolver resolves HEAD on a remote build node by reading the
// repository's HEAD, loose refs and packed-refs over SFTP.
type SFTPResolver struct {
	client *sftp.Client
	fs     fileSystem
	owned  bool
}

var _ HeadResolver = (*SFTPResolver)(nil)

// NewSFTPResolver opens an SFTP subsystem on an established SSH connection.
func NewSFTPResolver(conn *ssh.Client) (*SFTPResolver, error) {
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	return &SFTPResolver{client: client, fs: sftpFS{client: client}, owned: true}, nil
}

// NewSFTPResolverFromClient wraps an existing SFTP client. Close does not
// close the client.
func NewSFTPResolverFromClient(client *sftp.Client) *SFTPResolver {
	return &SFTPResolver{client: client, fs: sftpFS{client: client}}
}

func (r *SFTPResolver) Close() error {
	if r.owned && r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *SFTPResolver) ResolveHead(ctx context.Context, workspace, subdir string) (string, error) {
	return resolveHead(ctx, r.fs, path.Join(workspace, subdir))
}

func resolveHead(ctx context.Context, fs fileSystem, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := fs.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", &RepositoryError{Path: dir, Err: fmt.Errorf("%w: failed to find repository directory", ErrNotRepository)}
	}

	gitDir, err := locateGitDir(fs, dir)
	if err != nil {
		return "", &RepositoryError{Path: dir, Err: err}
	}

	target := "HEAD"
	for depth := 0; depth < maxSymrefDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		value, err := readRef(fs, gitDir, target)
		if err != nil {
			return "", &RepositoryError{Path: dir, Err: fmt.Errorf("%w: %s: %v", ErrNoHead, target, err)}
		}
		if strings.HasPrefix(value, "ref: ") {
			target = strings.TrimSpace(strings.TrimPrefix(value, "ref: "))
			continue
		}
		if !revision.ValidID(value) {
			return "", &RepositoryError{Path: dir, Err: fmt.Errorf("%w: %s points at %q", ErrNoHead, target, value)}
		}
		return revision.NormalizeID(value), nil
	}
	return "", &RepositoryError{Path: dir, Err: fmt.Errorf("%w: symbolic ref chain too deep", ErrNoHead)}
}

// locateGitDir finds the git directory of a checkout: ".git" as a directory,
// ".git" as a "gitdir:" file (worktrees, submodules), or dir itself when bare.
func locateGitDir(fs fileSystem, dir string) (string, error) {
	dotGit := path.Join(dir, ".git")
	info, err := fs.Stat(dotGit)
	switch {
	case err == nil && info.IsDir():
		return dotGit, nil
	case err == nil:
		data, err := fs.ReadFile(dotGit)
		if err != nil {
			return "", fmt.Errorf("%w: read .git file: %v", ErrNotRepository, err)
		}
		line := strings.TrimSpace(string(data))
		if !strings.HasPrefix(line, "gitdir:") {
			return "", fmt.Errorf("%w: malformed .git file", ErrNotRepository)
		}
		target := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
		if !path.IsAbs(target) {
			target = path.Join(dir, target)
		}
		return target, nil
	}
	if _, err := fs.Stat(path.Join(dir, "HEAD")); err == nil {
		return dir, nil
	}
	return "", fmt.Errorf("%w: failed to read repository", ErrNotRepository)
}

func readRef(fs fileSystem, gitDir, name string) (string, error) {
	data, err := fs.ReadFile(path.Join(gitDir, name))
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if name == "HEAD" {
		return "", err
	}
	return lookupPackedRef(fs, gitDir, name)
}

func lookupPackedRef(fs fileSystem, gitDir, name string) (string, error) {
	data, err := fs.ReadFile(path.Join(gitDir, "packed-refs"))
	if err != nil {
		return "", fmt.Errorf("ref not found")
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == name {
			return fields[0], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("ref not found")
}
