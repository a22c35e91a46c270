// Package attachments stores inbound attachments where channel adapters can
// reference them by URL.
package attachments

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"mailbridge/pkg/mailbox"
)

const (
	folderPrefix  = "attachment-"
	renamedPrefix = "renamed-"
)

// File is a staged attachment.
type File struct {
	Path    string
	Name    string
	Folder  string
	URL     string
	Size    int64
	Archive bool
}

// Stager writes attachments into per-message folders under one root.
type Stager struct {
	guard     *guard
	urlDir    string
	urlPrefix string
	now       func() time.Time
	log       *slog.Logger
}

// NewStager prepares dir (resolved against baseDir when relative). URLs are
// urlPrefix followed by the path relative to baseDir.
func NewStager(baseDir string, dir string, urlPrefix string, log *slog.Logger) (*Stager, error) {
	if log == nil {
		log = slog.Default()
	}

	root := dir
	urlDir := filepath.ToSlash(filepath.Clean(dir))
	if !filepath.IsAbs(dir) {
		root = filepath.Join(baseDir, dir)
	} else {
		urlDir = filepath.Base(dir)
	}

	g, err := newGuard(root)
	if err != nil {
		return nil, err
	}

	return &Stager{
		guard:     g,
		urlDir:    strings.Trim(urlDir, "/"),
		urlPrefix: strings.TrimRight(urlPrefix, "/"),
		now:       time.Now,
		log:       log.With("component", "attachments"),
	}, nil
}

// Root returns the absolute attachments directory.
func (s *Stager) Root() string {
	return s.guard.root
}

// Stage writes atts into a fresh folder and adds a zip of that folder as the
// last file. No attachments yield no files.
func (s *Stager) Stage(atts []mailbox.Attachment) ([]File, error) {
	if len(atts) == 0 {
		return nil, nil
	}

	folder := folderPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	folderPath, err := s.guard.resolve(folder)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(folderPath, 0o755); err != nil {
		return nil, normalizeIOError(err, "create attachment folder")
	}

	files := make([]File, 0, len(atts)+1)
	used := make(map[string]int, len(atts))
	for _, att := range atts {
		name := uniqueName(s.fileName(att), used)
		filePath, err := s.guard.resolve(folder, name)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filePath, att.Data, 0o644); err != nil {
			return nil, normalizeIOError(err, "write attachment")
		}

		files = append(files, File{
			Path:   filePath,
			Name:   name,
			Folder: folder,
			URL:    s.url(folder, name),
			Size:   int64(len(att.Data)),
		})
		s.log.Debug("Stored attachment", "folder", folder, "name", name, "size", units.HumanSize(float64(len(att.Data))))
	}

	archive, err := s.archive(folder, folderPath)
	if err != nil {
		return nil, err
	}
	files = append(files, archive)

	s.log.Info("Staged attachments", "folder", folder, "files", len(files)-1, "archive_size", units.HumanSize(float64(archive.Size)))
	return files, nil
}

// StageFiles stages local files, used for manual dispatch.
func (s *Stager) StageFiles(paths []string) ([]File, error) {
	atts := make([]mailbox.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		atts = append(atts, mailbox.Attachment{Name: filepath.Base(p), Data: data})
	}

	return s.Stage(atts)
}

func (s *Stager) fileName(att mailbox.Attachment) string {
	name := strings.TrimSpace(strings.ReplaceAll(att.Name, `\`, "/"))
	name = path.Base(name)
	if name == "" || name == "." || name == "/" || name == ".." {
		extension := mimetype.Detect(att.Data).Extension()
		if extension == "" {
			extension = ".dat"
		}
		name = strconv.FormatInt(s.now().Unix(), 10) + extension
	}
	if strings.HasPrefix(name, ".") {
		name = renamedPrefix + name
	}

	return name
}

func uniqueName(name string, used map[string]int) string {
	count := used[name]
	used[name] = count + 1
	if count == 0 {
		return name
	}

	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), count, ext)
	used[candidate]++
	return candidate
}

func (s *Stager) url(elems ...string) string {
	escaped := make([]string, 0, len(elems)+1)
	if s.urlDir != "" && s.urlDir != "." {
		escaped = append(escaped, s.urlDir)
	}
	for _, elem := range elems {
		escaped = append(escaped, url.PathEscape(elem))
	}

	return s.urlPrefix + "/" + strings.Join(escaped, "/")
}

func (s *Stager) archive(folder string, folderPath string) (File, error) {
	name := folder + ".zip"
	archivePath, err := s.guard.resolve(name)
	if err != nil {
		return File{}, err
	}

	size, err := zipFolder(folderPath, folder, archivePath)
	if err != nil {
		_ = os.Remove(archivePath)
		return File{}, err
	}

	return File{
		Path:    archivePath,
		Name:    name,
		Folder:  folder,
		URL:     s.url(name),
		Size:    size,
		Archive: true,
	}, nil
}

// zipFolder writes every regular file of dir into target under the prefix
// directory and returns the archive size.
func zipFolder(dir string, prefix string, target string) (int64, error) {
	out, err := os.Create(target)
	if err != nil {
		return 0, normalizeIOError(err, "create archive")
	}

	writer := zip.NewWriter(out)
	if _, err := writer.Create(prefix + "/"); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("add archive folder: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		_ = out.Close()
		return 0, normalizeIOError(err, "list attachment folder")
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := addToZip(writer, filepath.Join(dir, entry.Name()), prefix+"/"+entry.Name()); err != nil {
			_ = out.Close()
			return 0, err
		}
	}

	if err := writer.Close(); err != nil {
		_ = out.Close()
		return 0, fmt.Errorf("finish archive: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		_ = out.Close()
		return 0, normalizeIOError(err, "stat archive")
	}
	if err := out.Close(); err != nil {
		return 0, normalizeIOError(err, "close archive")
	}

	return info.Size(), nil
}

func addToZip(writer *zip.Writer, source string, name string) error {
	in, err := os.Open(source)
	if err != nil {
		return normalizeIOError(err, "open attachment")
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return normalizeIOError(err, "stat attachment")
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("archive header for %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := writer.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("add %s to archive: %w", name, err)
	}

	return nil
}
