package checks

import (
	"context"
	"fmt"
	"slices"

	"github.com/oss-compass/openchecker/internal/check"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

type ChangedFilesResult struct {
	Since    string   `json:"since"`
	Changed  []string `json:"changed_files"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// ChangedFilesDetector lists files changed between the given commit and the
// checked out HEAD.
func ChangedFilesDetector(ctx context.Context, in check.Input) (any, error) {
	repo, err := git.PlainOpen(in.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(in.CommitHash))
	if err != nil {
		return nil, fmt.Errorf("resolving commit %s: %w", in.CommitHash, err)
	}
	base, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Head()
	if err != nil {
		return nil, err
	}
	head, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, err
	}
	baseTree, err := base.Tree()
	if err != nil {
		return nil, err
	}
	headTree, err := head.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, err
	}

	res := ChangedFilesResult{
		Since:    base.Hash.String(),
		Changed:  []string{},
		Added:    []string{},
		Modified: []string{},
		Deleted:  []string{},
	}
	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return nil, err
		}
		switch action {
		case merkletrie.Insert:
			res.Added = append(res.Added, c.To.Name)
			res.Changed = append(res.Changed, c.To.Name)
		case merkletrie.Delete:
			res.Deleted = append(res.Deleted, c.From.Name)
			res.Changed = append(res.Changed, c.From.Name)
		case merkletrie.Modify:
			res.Modified = append(res.Modified, c.To.Name)
			res.Changed = append(res.Changed, c.To.Name)
		}
	}
	for _, s := range [][]string{res.Changed, res.Added, res.Modified, res.Deleted} {
		slices.Sort(s)
	}
	return res, nil
}
