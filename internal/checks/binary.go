package checks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/oss-compass/openchecker/internal/check"
	"github.com/oss-compass/openchecker/internal/walk"
)

type BinaryResult struct {
	BinaryFiles    []string `json:"binary_file_list"`
	BinaryArchives []string `json:"binary_archive_list"`
}

var (
	binaryExts = []string{
		".exe", ".dll", ".so", ".dylib", ".o", ".obj", ".a", ".lib",
		".class", ".pyc", ".pyo", ".elf", ".bin", ".wasm", ".dex",
	}
	archiveExts = []string{
		".zip", ".jar", ".war", ".ear", ".aar", ".apk", ".hap", ".har",
		".tar", ".tgz", ".gz", ".bz2", ".xz", ".7z", ".rar",
		".whl", ".egg", ".nupkg", ".deb", ".rpm",
	}
	binaryMagic = [][]byte{
		{0x7f, 'E', 'L', 'F'},
		{'M', 'Z'},
		{0xfe, 0xed, 0xfa, 0xce},
		{0xfe, 0xed, 0xfa, 0xcf},
		{0xcf, 0xfa, 0xed, 0xfe},
		{0xce, 0xfa, 0xed, 0xfe},
		{0xca, 0xfe, 0xba, 0xbe},
		{0x00, 'a', 's', 'm'},
	}
	archiveMagic = [][]byte{
		{'P', 'K', 0x03, 0x04},
		{0x1f, 0x8b},
		{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c},
		{'R', 'a', 'r', '!', 0x1a, 0x07},
		{0xfd, '7', 'z', 'X', 'Z', 0x00},
		{'B', 'Z', 'h'},
	}
)

type binaryKind int

const (
	notBinary binaryKind = iota
	binaryFile
	binaryArchive
)

// classify looks at the extension first and at the leading bytes otherwise.
func classify(name string, head []byte) binaryKind {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == "":
	case slices.Contains(binaryExts, ext):
		return binaryFile
	case slices.Contains(archiveExts, ext):
		return binaryArchive
	}
	for _, m := range archiveMagic {
		if bytes.HasPrefix(head, m) {
			return binaryArchive
		}
	}
	for _, m := range binaryMagic {
		if len(m) >= 4 && bytes.HasPrefix(head, m) {
			return binaryFile
		}
	}
	// PE files carry a short magic, require a DOS stub to follow.
	if bytes.HasPrefix(head, []byte("MZ")) && len(head) >= 64 && bytes.IndexByte(head[:64], 0) >= 0 {
		return binaryFile
	}
	return notBinary
}

func BinaryChecker(ctx context.Context, in check.Input) (any, error) {
	res := BinaryResult{BinaryFiles: []string{}, BinaryArchives: []string{}}
	head := make([]byte, 64)
	for entry, err := range walk.Repo(ctx, in.RepoPath) {
		if err != nil {
			continue
		}
		n, err := readHead(entry, head)
		if err != nil {
			continue
		}
		switch classify(entry.Rel(), head[:n]) {
		case binaryFile:
			res.BinaryFiles = append(res.BinaryFiles, entry.Rel())
		case binaryArchive:
			res.BinaryArchives = append(res.BinaryArchives, entry.Rel())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func readHead(entry walk.Entry, buf []byte) (int, error) {
	f, err := entry.Open()
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = f.Close()
	}()
	n, err := io.ReadFull(f, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}
