package orchestrator

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/acme/siteflow/internal/domain"
	"github.com/acme/siteflow/internal/store"
)

// DirDeliverables lists the files an Executor dropped in a task's work
// directory under a "deliverables" subfolder, the out-of-scope directory
// the Approval Coordinator gathers from (Section 4.E step 1; the
// directory's own layout and upload mechanism are Non-goals). Listing a
// directory is a one-line os.ReadDir call with no ecosystem library that
// would make it clearer, so this stays on the standard library (see
// DESIGN.md).
type DirDeliverables struct {
	store *store.Store
	root  string
}

func NewDirDeliverables(st *store.Store, workspaceRoot string) *DirDeliverables {
	return &DirDeliverables{store: st, root: workspaceRoot}
}

func (d *DirDeliverables) ListDeliverables(ctx context.Context, projectID uuid.UUID, stage domain.Stage) ([]domain.Deliverable, error) {
	task, err := d.store.GetTaskByStage(ctx, projectID, stage)
	if err != nil {
		return nil, err
	}

	dir := task.WorkDir
	if dir == "" {
		dir = filepath.Join(d.root, projectID.String(), task.ID.String())
	}
	dir = filepath.Join(dir, "deliverables")

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.Deliverable, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, domain.Deliverable{
			Name: e.Name(),
			URL:  filepath.Join(dir, e.Name()),
			Mime: mimeFromExt(e.Name()),
			Size: info.Size(),
		})
	}
	return out, nil
}

func mimeFromExt(name string) string {
	switch filepath.Ext(name) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	case ".html":
		return "text/html"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
