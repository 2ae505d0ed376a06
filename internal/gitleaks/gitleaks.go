// Package gitleaks adapts the gitleaks secret detector to scan.Detector.
package gitleaks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/scan"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Detector reports leaked credentials. It is safe for concurrent use; every
// goroutine borrows its own gitleaks detector from a pool.
type Detector struct {
	// gitleaks config loading is not safe for concurrent use
	mu        sync.Mutex
	detectors sync.Pool
}

func NewDetector() (*Detector, error) {
	d := &Detector{}
	seed, err := d.load()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	d.detectors.New = func() any {
		gl, err := d.load()
		if err != nil {
			// the same rules already loaded once
			panic(err)
		}
		return gl
	}
	d.detectors.Put(seed)
	return d, nil
}

func (d *Detector) load() (*detect.Detector, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return detect.NewDetectorDefaultConfig()
}

func (d *Detector) LogAttrs() []slog.Attr {
	return []slog.Attr{slog.String("detector", "gitleaks")}
}

// Detect returns one finding per secret in b. The secret itself is never
// part of the finding.
func (d *Detector) Detect(ctx context.Context, b []byte, path string) ([]scan.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gl := d.detectors.Get().(*detect.Detector)
	defer d.detectors.Put(gl)

	leaks := gl.DetectString(string(b))
	if len(leaks) == 0 {
		return nil, model.ErrNoMatch
	}
	ret := make([]scan.Finding, 0, len(leaks))
	for _, leak := range leaks {
		ret = append(ret, scan.Finding{
			Path:        path,
			Line:        leak.StartLine,
			RuleID:      leak.RuleID,
			Description: leak.Description,
		})
	}
	return ret, nil
}
