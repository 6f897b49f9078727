package core

import (
	"errors"
	"fmt"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
)

// Workspace is the delivery checkout a publish step operates on.
type Workspace struct {
	Repo  string
	Cache string
}

// Resolve returns a path inside the checkout. Absolute paths are returned as is.
func (w Workspace) Resolve(rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(w.Repo, rel)
}

// HeadCommit returns the commit checked out in Repo. A directory that is not
// a git checkout yields "" and no error.
func (w Workspace) HeadCommit() (string, error) {
	repo, err := git.PlainOpenWithOptions(w.Repo, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}
