// Package scan runs content detectors over repository files in parallel.
package scan

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/oss-compass/openchecker/internal/log"
	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/parallel"
	"github.com/oss-compass/openchecker/internal/walk"
)

// Finding is a single detector hit. Path is relative to the repository root.
type Finding struct {
	Path        string `json:"path"`
	Line        int    `json:"line,omitempty"`
	RuleID      string `json:"rule_id,omitempty"`
	Description string `json:"description,omitempty"`
}

type Detector interface {
	// Detect returns model.ErrNoMatch or nil findings when nothing was found.
	Detect(ctx context.Context, b []byte, path string) ([]Finding, error)
}

// MaxFileSize is the largest file read into memory. Bigger files are
// reported with model.ErrTooBig.
const MaxFileSize = 10 << 20

// Scan feeds repository files to a set of detectors using a bounded worker
// pool. Read buffers are recycled between files.
type Scan struct {
	workers   int
	maxSize   int64
	detectors []Detector
	buffers   sync.Pool
	reads     atomic.Int64
}

func New(workers int, detectors ...Detector) *Scan {
	s := &Scan{
		workers:   max(workers, 1),
		maxSize:   MaxFileSize,
		detectors: detectors,
	}
	s.buffers.New = func() any {
		b := make([]byte, s.maxSize)
		return &b
	}
	return s
}

// Do runs every detector over every entry of files. For each entry the
// output carries its findings, model.ErrNoMatch when nothing matched,
// model.ErrTooBig for oversized files, or the stat, read or detector error.
func (s *Scan) Do(ctx context.Context, files iter.Seq2[walk.Entry, error]) iter.Seq2[[]Finding, error] {
	return parallel.NewMap(ctx, s.workers, s.file).Iter(files)
}

// Collect runs Do and returns all findings sorted by path and line. Files
// which are too big or unreadable are skipped.
func (s *Scan) Collect(ctx context.Context, files iter.Seq2[walk.Entry, error]) ([]Finding, error) {
	ret := []Finding{}
	for findings, err := range s.Do(ctx, files) {
		switch {
		case err == nil:
			ret = append(ret, findings...)
		case errors.Is(err, model.ErrNoMatch), errors.Is(err, model.ErrTooBig):
		default:
			slog.DebugContext(ctx, "scan skipped entry", "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(ret, func(a, b Finding) int {
		return cmp.Or(cmp.Compare(a.Path, b.Path), cmp.Compare(a.Line, b.Line), cmp.Compare(a.RuleID, b.RuleID))
	})
	return ret, nil
}

// Reads returns how many files were read and handed to the detectors.
func (s *Scan) Reads() int {
	return int(s.reads.Load())
}

func (s *Scan) file(ctx context.Context, entry walk.Entry) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = log.ContextAttrs(ctx, slog.String("path", entry.Rel()))
	info, err := entry.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() > s.maxSize {
		slog.DebugContext(ctx, "file too big to scan", "size", info.Size())
		return nil, fmt.Errorf("%s has %d bytes: %w", entry.Rel(), info.Size(), model.ErrTooBig)
	}

	bp := s.buffers.Get().(*[]byte)
	defer s.buffers.Put(bp)
	data, err := s.read(entry, (*bp)[:info.Size()])
	if err != nil {
		return nil, err
	}
	s.reads.Add(1)

	var res []Finding
	var errs []error
	for _, detector := range s.detectors {
		dctx := ctx
		if ld, ok := detector.(interface{ LogAttrs() []slog.Attr }); ok {
			dctx = log.ContextAttrs(ctx, ld.LogAttrs()...)
		}
		found, err := detector.Detect(dctx, data, entry.Rel())
		switch {
		case err == nil:
			res = append(res, found...)
		case !errors.Is(err, model.ErrNoMatch):
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	if len(res) == 0 {
		return nil, model.ErrNoMatch
	}
	return res, nil
}

// read fills buf with the file content and returns the filled prefix, so
// bytes left over from a previous file never reach the detectors.
func (s *Scan) read(entry walk.Entry, buf []byte) ([]byte, error) {
	f, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read: %w", err)
	}
	return buf[:n], nil
}
