package checks

import (
	"context"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/scan"
	"github.com/oss-compass/openchecker/internal/walk"
)

type LeaksResult struct {
	Leaks []scan.Finding `json:"leaks"`
	Count int            `json:"count"`
}

// LeaksChecker scans the working tree for committed secrets.
func LeaksChecker(detector scan.Detector, workers int) check.Func {
	return func(ctx context.Context, in check.Input) (any, error) {
		findings, err := scan.New(workers, detector).Collect(ctx, walk.Repo(ctx, in.RepoPath))
		if err != nil {
			return nil, err
		}
		return LeaksResult{Leaks: findings, Count: len(findings)}, nil
	}
}
