// Package walk iterates over regular files of a repository working tree.
package walk

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
)

// Entry is a regular file found by the walk.
type Entry interface {
	// Path is the absolute path of the file.
	Path() string
	// Rel is the slash separated path relative to the walked root.
	Rel() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// SkipDirs are directory names never descended into.
var SkipDirs = []string{".git", "node_modules", "oh_modules"}

// Repo walks the working tree at dir. See FS for details.
func Repo(ctx context.Context, dir string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		root, err := os.OpenRoot(dir)
		if err != nil {
			yield(nil, fmt.Errorf("opening %s: %w", dir, err))
			return
		}
		defer func() {
			_ = root.Close()
		}()
		for entry, err := range FS(ctx, root.FS(), root.Name()) {
			if !yield(entry, err) {
				return
			}
		}
	}
}

// FS yields every regular file below root, depth first. Paths returned by
// Entry.Path are joined onto name, normally the absolute directory root
// was opened from. Symlinks are not followed and SkipDirs are pruned. A file
// whose metadata cannot be read is yielded together with the error.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("walk: nil filesystem")
	}

	return func(yield func(Entry, error) bool) {
		visit := func(rel string, d fs.DirEntry, walkErr error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			entry := fsEntry{root: root, abspath: filepath.Join(name, rel), path: rel}
			switch {
			case walkErr != nil:
				entry.infoErr = walkErr
			case d.IsDir():
				if rel != "." && slices.Contains(SkipDirs, d.Name()) {
					return fs.SkipDir
				}
				return nil
			default:
				info, err := d.Info()
				if err == nil && !info.Mode().IsRegular() {
					return nil
				}
				entry.info, entry.infoErr = info, err
			}
			if !yield(entry, entry.infoErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", visit)
	}
}

// fsEntry is an Entry backed by an fs.FS.
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Rel() string {
	return e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
