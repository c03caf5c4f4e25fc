// Package blob models conversion inputs and results: named byte streams grouped
// in holders, some of which can be written to and restored from a cache directory.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/lucasew/convcache/internal/hashutil"
)

const defaultMimeType = "application/octet-stream"

// ErrConsumed is returned when a one-shot blob is opened a second time.
var ErrConsumed = errors.New("blob stream already consumed")

// Blob is a named piece of content. Size is -1 when unknown.
type Blob struct {
	Filename string
	MimeType string
	Size     int64

	open func() (io.ReadCloser, error)
}

// FromBytes creates an in-memory blob.
func FromBytes(data []byte, filename, mimeType string) *Blob {
	return &Blob{
		Filename: filename,
		MimeType: orDefaultMime(filename, mimeType),
		Size:     int64(len(data)),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FromFile creates a blob backed by a file on disk. The file is opened lazily.
func FromFile(path, filename, mimeType string) (*Blob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if filename == "" {
		filename = filepath.Base(path)
	}
	return &Blob{
		Filename: filename,
		MimeType: orDefaultMime(filename, mimeType),
		Size:     info.Size(),
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FromStream creates a blob that can be read exactly once.
func FromStream(r io.Reader, filename, mimeType string) *Blob {
	var once sync.Once
	return &Blob{
		Filename: filename,
		MimeType: orDefaultMime(filename, mimeType),
		Size:     -1,
		open: func() (io.ReadCloser, error) {
			var rc io.ReadCloser
			once.Do(func() { rc = io.NopCloser(r) })
			if rc == nil {
				return nil, ErrConsumed
			}
			return rc, nil
		},
	}
}

// Open returns a reader over the blob content.
func (b *Blob) Open() (io.ReadCloser, error) {
	if b.open == nil {
		return nil, fmt.Errorf("blob %q has no content", b.Filename)
	}
	return b.open()
}

// Bytes reads the whole content.
func (b *Blob) Bytes() ([]byte, error) {
	rc, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Digest returns the hex encoded hash of the content using algo.
func (b *Blob) Digest(algo string) (string, error) {
	rc, err := b.Open()
	if err != nil {
		return "", err
	}
	defer func() { _ = rc.Close() }()
	return hashutil.Sum(algo, rc)
}

func orDefaultMime(filename, mimeType string) string {
	if mimeType != "" {
		return mimeType
	}
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return defaultMimeType
}
