package workflow

import (
	"path/filepath"
	"strings"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/fsutil"
)

// SnapshotWriter mirrors each thread's state to <dir>/<thread>.json for
// inspection. The database stays authoritative.
type SnapshotWriter struct {
	dir string
}

// NewSnapshotWriter writes snapshots under dir. An empty dir disables them.
func NewSnapshotWriter(dir string) *SnapshotWriter {
	return &SnapshotWriter{dir: dir}
}

var unsafeName = strings.NewReplacer("/", "_", "\\", "_", "\x00", "_")

// Path returns the snapshot file for threadID.
func (w *SnapshotWriter) Path(threadID string) string {
	name := unsafeName.Replace(threadID)
	if name == "" || strings.HasPrefix(name, ".") {
		name = "_" + name
	}
	return filepath.Join(w.dir, name+".json")
}

// Write replaces the snapshot of state.
func (w *SnapshotWriter) Write(state domain.WorkflowState) error {
	if w == nil || w.dir == "" {
		return nil
	}
	if err := fsutil.WriteJSONAtomic(w.Path(state.ThreadID), state); err != nil {
		return domain.WrapError(domain.ErrSnapshotWrite.Code, "write snapshot", err)
	}
	return nil
}
