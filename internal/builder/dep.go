package builder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cruxbuild/crux/internal/msg"
	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/google/uuid"
)

var depShortcuts = map[string]string{
	"gh:": "https://github.com/",
	"gl:": "https://gitlab.com/",
	"bb:": "https://bitbucket.org/",
	"sr:": "https://sr.ht/",
	"cb:": "https://codeberg.org/",
}

const gitPrefix = "git:"

var errIllegalDep = errors.New("empty or illegal dependency string")

// fetchDependency resolves a dependency spec to a directory on disk.
// Git specs are cloned into dest; plain paths are used in place
// (relative to the depending package's directory).
func fetchDependency(spec, baseDir, dest string) (string, error) {
	if spec == "" {
		return "", errIllegalDep
	}

	// `git:` prefix, e.g. git:https://github.com/someone/libfoo.git
	if strings.HasPrefix(spec, gitPrefix) {
		return dest, cloneInto(spec[len(gitPrefix):], dest)
	}

	// shortcut prefix, e.g. gh:someone/libfoo
	for shortcut, base := range depShortcuts {
		if strings.HasPrefix(spec, shortcut) {
			return dest, cloneInto(base+spec[len(shortcut):], dest)
		}
	}

	// otherwise it's a local path
	if filepath.IsAbs(spec) {
		return filepath.Clean(spec), nil
	}
	return filepath.Join(baseDir, spec), nil
}

type gitURL struct {
	cleanURL    string
	branch      string
	commitOrTag string
}

// someone/something@master#0.1.0
// someone/something@feature-branch#12345abc
// someone/something#12345abc
func parseGitURL(rawURL string) (res gitURL) {
	parts := strings.SplitN(rawURL, "#", 2)
	baseURL := parts[0]
	if len(parts) == 2 {
		res.commitOrTag = parts[1]
	}

	parts = strings.SplitN(baseURL, "@", 2)
	res.cleanURL = parts[0]
	if len(parts) == 2 {
		res.branch = parts[1]
	}

	if !strings.HasSuffix(res.cleanURL, ".git") {
		res.cleanURL += ".git"
	}

	return
}

// cloneInto clones a git remote into dest. The clone lands in a
// uuid-suffixed staging directory first and is renamed into place only
// on success, so an interrupted fetch never leaves a half-populated
// dependency behind.
func cloneInto(url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	staging := dest + ".fetch-" + uuid.NewString()
	if err := cloneGitRepo(url, staging); err != nil {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			msg.Warn("could not remove staging directory %s: %v", staging, rmErr)
		}
		return err
	}
	return os.Rename(staging, dest)
}

func cloneGitRepo(url, toWhere string) error {
	parsedURL := parseGitURL(url)

	cloneOptions := &git.CloneOptions{
		URL:               parsedURL.cleanURL,
		Progress:          &msg.IndentWriter{Indent: "  ", W: os.Stdout},
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	}

	if parsedURL.commitOrTag == "" {
		cloneOptions.Depth = 1 // we can do a shallow clone of the latest commit
	}

	if parsedURL.branch != "" {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(parsedURL.branch)
		cloneOptions.SingleBranch = true
	}

	repo, err := git.PlainClone(toWhere, cloneOptions)
	if err != nil {
		return err
	}

	if parsedURL.commitOrTag != "" {
		w, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("could not get worktree: %w", err)
		}

		revision := parsedURL.commitOrTag
		hash, err := repo.ResolveRevision(plumbing.Revision(revision))
		if err != nil {
			return fmt.Errorf("could not resolve revision `%s`: %w", revision, err)
		}

		err = w.Checkout(&git.CheckoutOptions{
			Hash:  *hash,
			Force: true,
		})
		if err != nil {
			return fmt.Errorf("failed to checkout `%s`: %w", revision, err)
		}
	}

	return nil
}
