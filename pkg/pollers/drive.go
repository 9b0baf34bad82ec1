package pollers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsloop/opsloop/pkg/config"
	"github.com/opsloop/opsloop/pkg/kv"
	"github.com/opsloop/opsloop/pkg/models"
)

// driveSnapshotTTL covers folder file-sets and per-file mtimes. A week of
// silence lets the state lapse; the next sweep re-primes it.
const driveSnapshotTTL = 7 * 24 * time.Hour

// DriveFile is one document in a watched folder.
type DriveFile struct {
	ID         string
	Name       string
	FolderID   string
	ModifiedAt time.Time
	ModifiedBy string
}

// DriveClient is the narrow drive surface the poller queries.
type DriveClient interface {
	FilesIn(ctx context.Context, folderID string) ([]DriveFile, error)
}

// DrivePoller watches configured folders and tells new files from modified
// ones by diffing against per-folder snapshots in the KV store. An unseen
// folder is primed silently: publishing a backlog of "new" events for every
// historic file would flood the queue on first start.
type DrivePoller struct {
	client  DriveClient
	folders []string
	em      emitter
}

// NewDrivePoller watches the folder ids listed in cfg.Extra["folders"]
// (comma separated). No folders means Poll is a no-op.
func NewDrivePoller(client DriveClient, cfg *config.SourceConfig, deps Deps) *DrivePoller {
	if client == nil {
		panic("pollers.NewDrivePoller: client must not be nil")
	}
	deps.validate("NewDrivePoller")

	var folders []string
	if cfg != nil {
		for _, id := range strings.Split(cfg.Extra["folders"], ",") {
			if id = strings.TrimSpace(id); id != "" {
				folders = append(folders, id)
			}
		}
	}
	return &DrivePoller{client: client, folders: folders, em: newEmitter(deps, "drive")}
}

func (p *DrivePoller) Name() string { return "drive" }

func (p *DrivePoller) Poll(ctx context.Context) (int, error) {
	published := 0
	var errs []error
	for _, folderID := range p.folders {
		n, err := p.pollFolder(ctx, folderID)
		published += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return published, errors.Join(errs...)
}

func (p *DrivePoller) pollFolder(ctx context.Context, folderID string) (int, error) {
	files, err := p.client.FilesIn(ctx, folderID)
	if err != nil {
		return 0, fmt.Errorf("drive folder %s query failed: %w", folderID, err)
	}

	folderKey := kv.DriveFolderFilesKey(folderID)
	primed, err := p.em.kv.Exists(ctx, folderKey)
	if err != nil {
		return 0, fmt.Errorf("drive snapshot read failed for %s: %w", folderID, err)
	}

	known := make(map[string]bool)
	if primed {
		members, err := p.em.kv.SMembers(ctx, folderKey)
		if err != nil {
			return 0, fmt.Errorf("drive snapshot read failed for %s: %w", folderID, err)
		}
		for _, id := range members {
			known[id] = true
		}
	}

	published := 0
	current := make([]string, 0, len(files))
	for _, f := range files {
		if f.ID == "" {
			continue
		}
		current = append(current, f.ID)

		eventType := ""
		switch {
		case !primed:
			// First sweep records state only.
		case !known[f.ID]:
			eventType = "file.new"
		case p.mtimeChanged(ctx, f):
			eventType = "file.modified"
		}

		if err := p.em.kv.Set(ctx, kv.DriveMtimeKey(f.ID), mtimeValue(f.ModifiedAt), driveSnapshotTTL); err != nil {
			p.em.logger.Warn("Failed to record file mtime", "file_id", f.ID, "error", err)
		}
		if eventType == "" {
			continue
		}

		dedupID := fmt.Sprintf("%s:%d", f.ID, f.ModifiedAt.Unix())
		evt := models.NewEvent(models.SourceDrive, eventType, models.PriorityLow,
			map[string]any{
				"file_id":     f.ID,
				"name":        f.Name,
				"folder_id":   folderID,
				"modified_at": f.ModifiedAt.UTC().Format(time.RFC3339),
				"modified_by": f.ModifiedBy,
			}, "drive:"+dedupID)
		if p.em.emit(ctx, "drive", dedupID, evt) {
			published++
		}
	}

	if err := p.em.kv.SReplace(ctx, folderKey, current, driveSnapshotTTL); err != nil {
		p.em.logger.Warn("Failed to store folder snapshot", "folder_id", folderID, "error", err)
	}
	return published, nil
}

// mtimeChanged reports whether a known file's modification time moved since
// the last sweep. A missing mtime key (expired or lost) records fresh state
// without an event: there is no baseline to call it a change against.
func (p *DrivePoller) mtimeChanged(ctx context.Context, f DriveFile) bool {
	stored, ok, err := p.em.kv.Get(ctx, kv.DriveMtimeKey(f.ID))
	if err != nil {
		p.em.logger.Warn("Failed to read file mtime", "file_id", f.ID, "error", err)
		return false
	}
	return ok && stored != mtimeValue(f.ModifiedAt)
}

func mtimeValue(t time.Time) string {
	return fmt.Sprintf("%d", t.Unix())
}
