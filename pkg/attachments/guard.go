package attachments

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	ErrorInvalidName = "invalid_name"
	ErrorOutsideRoot = "outside_root"
	ErrorIO          = "io_error"
)

// Error is a categorized staging failure.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

// NewError creates a categorized staging error.
func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryOf returns the category of err, defaulting to ErrorIO.
func CategoryOf(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return ErrorIO
}

// guard keeps staged files inside the attachments root. Attachment names come
// from untrusted mail headers.
type guard struct {
	root string
}

func newGuard(root string) (*guard, error) {
	absPath, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("resolve attachments directory: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments directory: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return nil, normalizeIOError(err, "resolve attachments directory")
	}

	return &guard{root: filepath.Clean(resolved)}, nil
}

// resolve joins elements under the root and rejects anything that escapes it.
func (g *guard) resolve(elems ...string) (string, error) {
	for _, elem := range elems {
		if elem == "" || elem == "." || elem == ".." || strings.ContainsAny(elem, `/\`) {
			return "", NewError(ErrorInvalidName, fmt.Sprintf("%q is not a plain file name", elem))
		}
	}

	candidate := filepath.Join(append([]string{g.root}, elems...)...)
	if !isWithin(g.root, candidate) {
		return "", NewError(ErrorOutsideRoot, "resolved path escapes attachments directory")
	}

	return candidate, nil
}

// rel returns path relative to the root in slash form.
func (g *guard) rel(path string) string {
	rel, err := filepath.Rel(g.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}

	return filepath.ToSlash(rel)
}

func isWithin(root string, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func normalizeIOError(err error, detail string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return NewError(ErrorIO, detail+": permission denied")
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return NewError(ErrorIO, detail+": "+pathErr.Err.Error())
	}

	return NewError(ErrorIO, detail+": "+err.Error())
}
