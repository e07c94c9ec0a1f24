package dispatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Worktree prepares and reclaims the filesystem area an Executor runs in.
type Worktree interface {
	Prepare(projectID, taskID uuid.UUID) (string, error)
	Cleanup(dir string) error
}

// DirWorktree allocates one directory per task under a workspace root,
// mirroring the teacher's per-job scratch-directory convention.
type DirWorktree struct {
	Root string
}

func (w *DirWorktree) Prepare(projectID, taskID uuid.UUID) (string, error) {
	dir := filepath.Join(w.Root, projectID.String(), taskID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("dispatch: prepare work dir %s: %w", dir, err)
	}
	return dir, nil
}

func (w *DirWorktree) Cleanup(dir string) error {
	if dir == "" || dir == w.Root {
		return nil
	}
	return os.RemoveAll(dir)
}
