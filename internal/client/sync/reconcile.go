package sync

import (
	"context"
	"fmt"
	"log/slog"
)

// ScheduleOfflineReconciliation enqueues the one-shot pass that aligns
// the store with disk after offline edits. It runs once per boot, and
// only when syncing is enabled.
func (sch *Scheduler) ScheduleOfflineReconciliation() {
	if !sch.syncEnabled {
		return
	}
	sch.reconcileOnce.Do(func() {
		sch.enqueue("offline-reconciliation", "", sch.reconcile)
	})
}

func (sch *Scheduler) reconcile(ctx context.Context) error {
	if !sch.store.HasInitialSyncCompleted() {
		if err := sch.alignFirstRun(ctx); err != nil {
			return fmt.Errorf("first-run alignment: %w", err)
		}
	}

	localFiles, err := sch.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan vault: %w", err)
	}

	resolved, err := sch.store.ResolvedDocuments()
	if err != nil {
		return err
	}

	localByPath := make(map[string]LocalFile, len(localFiles))
	for _, f := range localFiles {
		localByPath[f.Path] = f
	}

	// records whose file is gone are either move sources or deletes
	absent := make(map[string]*DocumentRecord)
	for _, rec := range resolved {
		if sch.store.IsRecordDeleted(rec) {
			continue
		}
		if _, onDisk := localByPath[rec.RelativePath]; !onDisk {
			absent[rec.RelativePath] = rec
		}
	}

	moved := make(map[string]struct{})
	for _, f := range localFiles {
		rec := sch.store.GetLatestByPath(f.Path)
		switch {
		case rec != nil && !sch.store.IsRecordDeleted(rec) && sch.store.MetadataOf(rec) != nil:
			// the content-hash short-circuit makes no-op updates cheap
			sch.SyncLocalUpdate("", f.Path)
		default:
			if oldPath := sch.findMoveSource(absent, moved, f.Hash); oldPath != "" {
				moved[oldPath] = struct{}{}
				sch.SyncLocalUpdate(oldPath, f.Path)
			} else {
				sch.SyncLocalCreate(f.Path)
			}
		}
	}

	for path := range absent {
		if _, wasMoved := moved[path]; wasMoved {
			continue
		}
		sch.SyncLocalDelete(path)
	}

	slog.Info("offline reconciliation scheduled",
		"localFiles", len(localFiles),
		"records", len(resolved),
		"missingLocally", len(absent),
	)
	return nil
}

// findMoveSource returns the path of an unclaimed record whose synced
// content hash matches; such a file was renamed while offline.
func (sch *Scheduler) findMoveSource(absent map[string]*DocumentRecord, claimed map[string]struct{}, hash string) string {
	if hash == EmptyHash {
		return ""
	}
	for path, rec := range absent {
		if _, taken := claimed[path]; taken {
			continue
		}
		if meta := sch.store.MetadataOf(rec); meta != nil && meta.ContentHash == hash {
			return path
		}
	}
	return ""
}

// alignFirstRun fetches the full remote listing and plants placeholder
// records for local files that already coincide with remote documents,
// so the first sync force-updates them instead of duplicating creates.
func (sch *Scheduler) alignFirstRun(ctx context.Context) error {
	view, err := sch.transport.GetAll(ctx, 0)
	if err != nil {
		return err
	}

	for _, remote := range view.LatestDocuments {
		if remote.IsDeleted {
			continue
		}
		path := remote.RelativePath
		if !sch.files.Exists(ctx, path) {
			continue
		}
		if sch.store.GetByID(remote.DocumentID) != nil {
			continue
		}
		if rec := sch.store.GetLatestByPath(path); rec != nil && !sch.store.IsRecordDeleted(rec) {
			continue
		}

		handle := NewPendingUpdate()
		rec, err := sch.store.CreatePending(remote.DocumentID, path, handle)
		if err != nil {
			sch.store.RemovePending(handle)
			continue
		}
		sch.store.UpdateMetadata(rec, DocumentMetadata{
			ParentVersionID:    remote.VaultUpdateID,
			ContentHash:        EmptyHash,
			RemoteRelativePath: remote.RelativePath,
		})
		sch.store.RemovePending(handle)
	}

	sch.store.SetInitialSyncCompleted()
	return nil
}
