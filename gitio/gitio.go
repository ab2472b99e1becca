// Package gitio reads resource content out of local Git repositories using
// go-git. Repositories are a content source only: no network transport, no
// writes.
package gitio

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// ResourceFile is one versionable file found in a commit tree.
type ResourceFile struct {
	Path    string
	Content []byte
	Format  string // "usfm", "tsv", "yaml", "json", or empty
}

// Repository wraps a go-git repository opened from the local filesystem.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens an existing Git repository.
func Open(repoPath string) (*Repository, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{repo: repo, path: repoPath}, nil
}

// ResolveRef resolves a branch name, tag, or commit hash to a commit.
func (r *Repository) ResolveRef(refName string) (*object.Commit, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(refName), true)
	if err == nil {
		commit, err := r.repo.CommitObject(ref.Hash())
		if err != nil {
			return nil, fmt.Errorf("getting commit: %w", err)
		}
		return commit, nil
	}

	ref, err = r.repo.Reference(plumbing.NewTagReferenceName(refName), true)
	if err == nil {
		commit, err := r.repo.CommitObject(ref.Hash())
		if err != nil {
			return nil, fmt.Errorf("getting commit: %w", err)
		}
		return commit, nil
	}

	hash := plumbing.NewHash(refName)
	commit, err := r.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q: not a branch, tag, or commit hash", refName)
	}
	return commit, nil
}

// ResourceFiles returns the recognized resource files in a commit's tree.
func (r *Repository) ResourceFiles(commit *object.Commit) ([]*ResourceFile, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}

	var files []*ResourceFile
	err = tree.Files().ForEach(func(f *object.File) error {
		format := DetectFormat(f.Name)
		if format == "" {
			return nil
		}

		content, err := f.Contents()
		if err != nil {
			return fmt.Errorf("reading file %s: %w", f.Name, err)
		}

		files = append(files, &ResourceFile{
			Path:    f.Name,
			Content: []byte(content),
			Format:  format,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// File returns a single file from a commit.
func (r *Repository) File(commit *object.Commit, path string) (*ResourceFile, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}

	f, err := tree.File(path)
	if err != nil {
		return nil, fmt.Errorf("getting file %s: %w", path, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}

	return &ResourceFile{
		Path:    path,
		Content: []byte(content),
		Format:  DetectFormat(path),
	}, nil
}

// ChangedPaths returns the resource paths that differ between two commits,
// split by kind of change.
func (r *Repository) ChangedPaths(base, head *object.Commit) (added, modified, deleted []string, err error) {
	baseTree, err := base.Tree()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("getting base tree: %w", err)
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("getting head tree: %w", err)
	}

	changes, err := baseTree.Diff(headTree)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("computing diff: %w", err)
	}

	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			continue
		}
		switch action {
		case merkletrie.Insert:
			if DetectFormat(change.To.Name) != "" {
				added = append(added, change.To.Name)
			}
		case merkletrie.Delete:
			if DetectFormat(change.From.Name) != "" {
				deleted = append(deleted, change.From.Name)
			}
		case merkletrie.Modify:
			if DetectFormat(change.From.Name) != "" {
				modified = append(modified, change.From.Name)
			}
		}
	}

	return added, modified, deleted, nil
}

// CommitHash returns the hash of a commit as a string.
func CommitHash(commit *object.Commit) string {
	return commit.Hash.String()
}

// DetectFormat maps a file extension to a resource format tag.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".usfm", ".sfm":
		return "usfm"
	case ".tsv":
		return "tsv"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
