// Package workspace provisions the per-execution scratch directories jobs
// run in. Directories are only separated on the filesystem; nothing here is
// a sandbox.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"cronosphere/internal/job"
	logx "cronosphere/pkg/logx"
)

const DefaultPrefix = "user_"

// Config controls where workspaces are created.
type Config struct {
	// Root is the parent directory; empty means os.TempDir().
	Root string
	// Prefix starts every workspace directory name.
	Prefix string
}

// Workspace is one acquired directory.
type Workspace struct {
	Path  string
	Owner int64

	CreatedAt time.Time
}

// Manager creates and removes workspaces.
type Manager struct {
	root   string
	prefix string
	log    logx.Logger

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		root = os.TempDir()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{root: root, prefix: prefix, log: log, now: time.Now}
}

func (m *Manager) Root() string { return m.root }

// Acquire creates a fresh, empty directory for one execution by owner.
//
// Names are <prefix><owner>_<unix-millis>_<random>; the final mkdir is
// exclusive, so a name collision fails instead of sharing a directory.
func (m *Manager) Acquire(owner int64) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "workspace root %s", m.root), job.ErrWorkspace)
	}
	now := m.now()
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		name := fmt.Sprintf("%s%d_%d_%s", m.prefix, owner, now.UnixMilli(), randomSuffix())
		path := filepath.Join(m.root, name)
		err := os.Mkdir(path, 0o700)
		if err == nil {
			m.log.Debug("workspace acquired", logx.String("path", path), logx.Int64("owner", owner))
			return &Workspace{Path: path, Owner: owner, CreatedAt: now}, nil
		}
		lastErr = err
		if !os.IsExist(err) {
			break
		}
	}
	return nil, errors.Mark(errors.Wrap(lastErr, "create workspace"), job.ErrWorkspace)
}

// Release removes the workspace tree. Failures are logged and swallowed: a
// leaked directory is tolerable, SweepStale picks it up later.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil || ws.Path == "" {
		return
	}
	if !m.owns(ws.Path) {
		m.log.Error("refusing to remove path outside workspace root", logx.String("path", ws.Path), logx.String("root", m.root))
		return
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		m.log.Warn("failed to clean up workspace", logx.String("path", ws.Path), logx.Err(err))
		return
	}
	m.log.Debug("workspace released", logx.String("path", ws.Path))
}

// SweepStale removes workspaces older than olderThan left behind by a crash
// or a failed release. It returns the number of directories removed.
func (m *Manager) SweepStale(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read workspace root")
	}
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), m.prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("failed to sweep stale workspace", logx.String("path", path), logx.Err(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("stale workspaces removed", logx.Int("count", removed), logx.Duration("older_than", olderThan))
	}
	return removed, nil
}

func (m *Manager) owns(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..") && rel != "." && strings.HasPrefix(filepath.Base(path), m.prefix)
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
