package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Holder groups the blobs of a conversion input or result. The first blob is the main one.
type Holder interface {
	Blobs() []*Blob
}

// Persister is a Holder that can write itself to a cache directory.
type Persister interface {
	Holder
	// Persist writes all blobs under dir and returns the number of bytes written.
	// dir must not exist yet.
	Persist(dir string) (int64, error)
}

// Main returns the first blob of h, or nil.
func Main(h Holder) *Blob {
	if h == nil {
		return nil
	}
	blobs := h.Blobs()
	if len(blobs) == 0 {
		return nil
	}
	return blobs[0]
}

// SimpleHolder is a persistable list of blobs.
type SimpleHolder struct {
	blobs []*Blob
}

func NewSimpleHolder(blobs ...*Blob) *SimpleHolder {
	return &SimpleHolder{blobs: blobs}
}

func (h *SimpleHolder) Blobs() []*Blob {
	return h.blobs
}

func (h *SimpleHolder) Persist(dir string) (int64, error) {
	return persistBlobs(h.blobs, dir)
}

// StreamHolder wraps results that can only be read once. It cannot be persisted.
type StreamHolder struct {
	blob *Blob
}

func NewStreamHolder(r io.Reader, filename, mimeType string) *StreamHolder {
	return &StreamHolder{blob: FromStream(r, filename, mimeType)}
}

func (h *StreamHolder) Blobs() []*Blob {
	return []*Blob{h.blob}
}

// DiskHolder is a holder restored from a persisted cache directory.
type DiskHolder struct {
	Dir   string
	blobs []*Blob
}

// Restore builds a DiskHolder from a directory written by Persist.
func Restore(dir string) (*DiskHolder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	h := &DiskHolder{Dir: dir}
	// ReadDir sorts by name and names carry a zero padded index
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		b, err := FromFile(filepath.Join(dir, e.Name()), originalName(e.Name()), "")
		if err != nil {
			return nil, err
		}
		h.blobs = append(h.blobs, b)
	}
	return h, nil
}

func (h *DiskHolder) Blobs() []*Blob {
	return h.blobs
}

func (h *DiskHolder) Persist(dir string) (int64, error) {
	return persistBlobs(h.blobs, dir)
}

// TempDirPrefix names the directories persistBlobs writes into before the final rename.
// One left on disk means a persist was interrupted.
const TempDirPrefix = ".persist-"

// persistBlobs writes blobs into a temp directory next to dir, then renames it into place.
func persistBlobs(blobs []*Blob, dir string) (int64, error) {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent dir: %w", err)
	}

	tmpDir, err := os.MkdirTemp(parent, TempDirPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	var total int64
	for i, b := range blobs {
		n, err := writeBlob(b, filepath.Join(tmpDir, storedName(i, b.Filename)))
		if err != nil {
			return 0, fmt.Errorf("failed to write blob %d (%s): %w", i, b.Filename, err)
		}
		total += n
	}

	if err := os.Rename(tmpDir, dir); err != nil {
		return 0, fmt.Errorf("failed to rename to final path: %w", err)
	}
	committed = true
	return total, nil
}

func writeBlob(b *Blob, path string) (int64, error) {
	rc, err := b.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, rc)
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	return n, f.Close()
}

func storedName(i int, filename string) string {
	name := filepath.Base(filename)
	if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
		name = "blob"
	}
	return fmt.Sprintf("%04d-%s", i, name)
}

func originalName(stored string) string {
	idx, name, ok := strings.Cut(stored, "-")
	if !ok {
		return stored
	}
	if _, err := strconv.Atoi(idx); err != nil {
		return stored
	}
	return name
}
