package staging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrStaging is returned when input files cannot be persisted. The caller
// may retry the submission with fresh input.
var ErrStaging = errors.New("failed to stage input")

// File is one named input blob handed in by a client.
type File struct {
	Name   string
	Reader io.Reader
}

// Area stages each job's input images into an isolated directory under a
// common root. Directories are keyed by job ID, so no two jobs, past or
// present, can collide.
type Area struct {
	root   string
	logger *slog.Logger
}

// NewArea creates the staging root if needed.
func NewArea(root string, logger *slog.Logger) (*Area, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: staging root is empty", ErrStaging)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaging, err)
	}
	return &Area{root: root, logger: logger}, nil
}

// Stage persists the given files into the job's directory and returns its
// path. A partial failure removes the directory again; staging is
// all-or-nothing.
func (a *Area) Stage(jobID uuid.UUID, files []File) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("%w: no input files", ErrStaging)
	}

	dir := a.Dir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStaging, err)
	}

	for _, f := range files {
		name, err := sanitizeName(f.Name)
		if err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		if err := writeFile(filepath.Join(dir, name), f.Reader); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}

	a.logger.Debug("Input staged",
		slog.String("job_id", jobID.String()),
		slog.String("dir", dir),
		slog.Int("files", len(files)),
	)

	return dir, nil
}

// Dir returns the staging directory for a job, whether or not it exists.
func (a *Area) Dir(jobID uuid.UUID) string {
	return filepath.Join(a.root, jobID.String())
}

// Remove deletes a job's staging directory. Missing directories are not
// an error.
func (a *Area) Remove(jobID uuid.UUID) error {
	return os.RemoveAll(a.Dir(jobID))
}

func writeFile(path string, r io.Reader) error {
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaging, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		return fmt.Errorf("%w: %v", ErrStaging, err)
	}
	return nil
}

// sanitizeName flattens client-supplied filenames to a single path
// element so uploads cannot escape the job directory.
func sanitizeName(name string) (string, error) {
	name = filepath.Base(filepath.Clean(name))
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: invalid filename %q", ErrStaging, name)
	}
	return name, nil
}
