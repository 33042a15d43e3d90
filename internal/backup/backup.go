// Package backup implements tar.gz backup and restore of the brain data
// files, with retention pruning and traversal-safe restore.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/logging"
)

// archivedSuffixes are the file types included in a backup.
var archivedSuffixes = []string{".json", ".jsonl", ".log", ".txt"}

// namePattern is the only restorable archive name shape.
var namePattern = regexp.MustCompile(`^nexus_backup_.*\.tar\.gz$`)

// Info describes one backup archive.
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager creates, lists, restores, and prunes backups of brainDir.
type Manager struct {
	cfg      config.BackupConfig
	brainDir string
	log      *logging.Logger
}

// NewManager builds a Manager over brainDir.
func NewManager(cfg config.BackupConfig, brainDir string) *Manager {
	return &Manager{cfg: cfg, brainDir: brainDir, log: logging.Get(logging.CategoryStorage)}
}

// Create archives every eligible file under the brain directory into
// nexus_backup_YYYY-MM-DD_HHMMSS[_tag].tar.gz and prunes old backups per
// the retention setting.
func (m *Manager) Create(tag string) (Info, error) {
	name := "nexus_backup_" + time.Now().Format("2006-01-02_150405")
	if tag != "" {
		name += "_" + sanitizeTag(tag)
	}
	name += ".tar.gz"

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("mkdir backup dir: %w", err)
	}
	outPath := filepath.Join(m.cfg.Dir, name)

	out, err := os.Create(outPath)
	if err != nil {
		return Info{}, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	count := 0
	walkErr := filepath.Walk(m.brainDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !eligible(path) {
			return nil
		}
		rel, err := filepath.Rel(m.brainDir, path)
		if err != nil {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		header := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		count++
		return nil
	})

	if err := tw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := gzw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if walkErr != nil {
		os.Remove(outPath)
		return Info{}, fmt.Errorf("archive %s: %w", name, walkErr)
	}

	stat, err := os.Stat(outPath)
	if err != nil {
		return Info{}, err
	}
	m.log.Info("backup %s: %d files, %d bytes", name, count, stat.Size())
	m.prune()

	return Info{Name: name, Path: outPath, SizeBytes: stat.Size(), CreatedAt: stat.ModTime()}, nil
}

// List returns existing backups, newest first.
func (m *Manager) List() []Info {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil
	}
	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() || !namePattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Name:      entry.Name(),
			Path:      filepath.Join(m.cfg.Dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt.After(backups[j].CreatedAt) })
	return backups
}

// Restore unpacks the named backup into the brain directory. The name must
// match the backup pattern; member paths that are absolute or contain ".."
// are rejected.
func (m *Manager) Restore(name string) (int, error) {
	if !namePattern.MatchString(name) {
		return 0, fmt.Errorf("invalid backup name %q", name)
	}

	f, err := os.Open(filepath.Join(m.cfg.Dir, name))
	if err != nil {
		return 0, fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("gzip: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	restored := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		member := filepath.ToSlash(header.Name)
		if strings.HasPrefix(member, "/") || strings.Contains(member, "..") {
			return restored, fmt.Errorf("unsafe member path %q", header.Name)
		}

		target := filepath.Join(m.brainDir, filepath.FromSlash(member))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return restored, err
		}
		out, err := os.Create(target)
		if err != nil {
			return restored, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return restored, err
		}
		out.Close()
		restored++
	}
	m.log.Info("restored %d files from %s", restored, name)
	return restored, nil
}

// prune enforces the retention count (0 = unlimited).
func (m *Manager) prune() {
	if m.cfg.MaxBackups <= 0 {
		return
	}
	backups := m.List()
	for i := m.cfg.MaxBackups; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err == nil {
			m.log.Info("pruned backup %s", backups[i].Name)
		}
	}
}

func eligible(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range archivedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func sanitizeTag(tag string) string {
	var sb strings.Builder
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
