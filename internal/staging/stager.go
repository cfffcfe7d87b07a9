package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrStaging wraps every failure to stage uploaded content.
var ErrStaging = errors.New("staging failed")

// Stager writes uploaded proposals into the submissions directory, one file
// per submission identifier.
type Stager struct {
	dir string
}

// New returns a Stager rooted at dir, creating the directory if needed.
func New(dir string) (*Stager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve submissions dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create submissions dir: %w", err)
	}
	return &Stager{dir: abs}, nil
}

// Path is where the content of submission id is staged.
func (s *Stager) Path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String())
}

// Stage rewinds content, writes all of it to Path(id) and returns that path.
// An existing file at the path is replaced.
func (s *Stager) Stage(content io.ReadSeeker, id uuid.UUID) (string, error) {
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: rewind upload: %v", ErrStaging, err)
	}
	dest := s.Path(id)
	tmp := dest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStaging, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: write %s: %v", ErrStaging, dest, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: sync %s: %v", ErrStaging, dest, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrStaging, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrStaging, err)
	}
	return dest, nil
}
