package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/schmelczer/reconcile/internal/sdk"
	"github.com/schmelczer/reconcile/internal/vaultfs"
)

// Transport is the request surface the syncer consumes. The sdk client
// satisfies it; tests substitute fakes.
type Transport interface {
	Create(ctx context.Context, documentID, relativePath string, content []byte) (*sdk.DocumentUpdate, error)
	Put(ctx context.Context, documentID string, parentVersionID int64, relativePath string, content []byte) (*sdk.DocumentUpdate, error)
	Delete(ctx context.Context, documentID, relativePath string) (*sdk.DocumentVersionNoContent, error)
	Get(ctx context.Context, documentID string) (*sdk.DocumentVersion, error)
	GetAll(ctx context.Context, since int64) (*sdk.VaultViewResponse, error)
	Ping(ctx context.Context) (*sdk.PingResponse, error)
}

// Syncer implements the four sync procedures. Per-document ordering is
// guaranteed by the metadata store's pending-handle chain before a
// procedure runs; per-path filesystem ordering by the vault fs itself.
type Syncer struct {
	store       *MetadataStore
	files       *vaultfs.FileOps
	transport   Transport
	history     *History
	maxFileSize int64

	// suppress is called right before the syncer mutates a file on
	// disk, so the vault watcher does not echo the engine's own writes
	// back as user edits.
	suppress func(path string)
}

func NewSyncer(store *MetadataStore, files *vaultfs.FileOps, transport Transport, history *History, maxFileSize int64) *Syncer {
	return &Syncer{
		store:       store,
		files:       files,
		transport:   transport,
		history:     history,
		maxFileSize: maxFileSize,
	}
}

// SetEchoSuppression registers the watcher callback invoked before
// every engine-initiated file mutation.
func (s *Syncer) SetEchoSuppression(fn func(path string)) {
	s.suppress = fn
}

func (s *Syncer) suppressEcho(path string) {
	if s.suppress != nil {
		s.suppress(path)
	}
}

// updateResult is the normalised post-response view shared by create,
// put and get round-trips, so every server reply walks the same
// reconciliation steps.
type updateResult struct {
	documentID    string
	vaultUpdateID int64
	relativePath  string
	isDeleted     bool
	content       []byte
	hasContent    bool
}

func fromDocumentUpdate(u *sdk.DocumentUpdate) updateResult {
	return updateResult{
		documentID:    u.DocumentID,
		vaultUpdateID: u.VaultUpdateID,
		relativePath:  u.RelativePath,
		isDeleted:     u.IsDeleted,
		content:       u.Content,
		hasContent:    u.Kind == sdk.UpdateMerging,
	}
}

func fromDocumentVersion(v *sdk.DocumentVersion) updateResult {
	return updateResult{
		documentID:    v.DocumentID,
		vaultUpdateID: v.VaultUpdateID,
		relativePath:  v.RelativePath,
		isDeleted:     v.IsDeleted,
		content:       v.Content,
		hasContent:    true,
	}
}

// classify applies the failure taxonomy around a procedure body: a
// vanished file and a reset both end the procedure quietly; anything
// else is recorded against the procedure's intent and rethrown.
func (s *Syncer) classify(err error, intent EntryIntent, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, vaultfs.ErrFileNotFound) {
		slog.Debug("sync target vanished", "intent", intent, "path", path)
		return nil
	}
	if IsReset(err) {
		return nil
	}
	s.history.Append(HistoryEntry{
		Intent: intent,
		Status: StatusError,
		Path:   path,
		Detail: err.Error(),
	})
	return err
}

// SyncLocalCreate uploads a locally created document and acknowledges
// the server's placement of it.
func (s *Syncer) SyncLocalCreate(ctx context.Context, rec *DocumentRecord) error {
	return s.classify(s.syncLocalCreate(ctx, rec), IntentCreate, rec.RelativePath)
}

func (s *Syncer) syncLocalCreate(ctx context.Context, rec *DocumentRecord) error {
	path := rec.RelativePath

	content, err := s.files.Read(ctx, path)
	if err != nil {
		return err
	}
	if s.skipForSize(path, int64(len(content))) {
		return nil
	}
	hash := HashContent(content)

	resp, err := s.transport.Create(ctx, rec.DocumentID, path, content)
	if err != nil {
		return err
	}

	res := fromDocumentUpdate(resp)
	if res.documentID != "" && res.documentID != rec.DocumentID {
		s.store.SetDocumentID(rec, res.documentID)
	}

	// the server may have renamed on collision or answered with merged
	// bytes; both walk the same post-response path as updates
	return s.applyResult(ctx, rec, content, hash, res, IntentCreate, "created")
}

// SyncLocalDelete propagates a local deletion. The caller removes the
// record once the pending handle settles.
func (s *Syncer) SyncLocalDelete(ctx context.Context, rec *DocumentRecord) error {
	return s.classify(s.syncLocalDelete(ctx, rec), IntentDelete, rec.RelativePath)
}

func (s *Syncer) syncLocalDelete(ctx context.Context, rec *DocumentRecord) error {
	if s.store.MetadataOf(rec) == nil {
		// never acknowledged, nothing to delete remotely
		return nil
	}
	if s.store.IsRemoteDeleted(rec) {
		// the server already knows; this delete event is an echo
		return nil
	}

	resp, err := s.transport.Delete(ctx, rec.DocumentID, rec.RelativePath)
	if err != nil {
		return err
	}

	s.store.MarkRemoteDeleted(rec)
	s.store.AddSeenUpdateID(resp.VaultUpdateID)
	s.history.Append(HistoryEntry{
		Intent:        IntentDelete,
		Status:        StatusSuccess,
		Path:          rec.RelativePath,
		Detail:        "deleted remotely",
		VaultUpdateID: resp.VaultUpdateID,
	})
	return nil
}

// SyncLocalUpdate pushes local changes (or, with force, pulls the
// server's newer revision) for an acknowledged document. oldPath is
// set when the document was just renamed locally.
func (s *Syncer) SyncLocalUpdate(ctx context.Context, rec *DocumentRecord, oldPath string, force bool) error {
	intent := IntentUpdate
	if oldPath != "" {
		intent = IntentMove
	}
	return s.classify(s.syncLocalUpdate(ctx, rec, oldPath, force), intent, rec.RelativePath)
}

func (s *Syncer) syncLocalUpdate(ctx context.Context, rec *DocumentRecord, oldPath string, force bool) error {
	meta := s.store.MetadataOf(rec)
	if meta == nil || s.store.IsRecordDeleted(rec) {
		return nil
	}
	path := rec.RelativePath

	content, err := s.files.Read(ctx, path)
	if err != nil {
		return err
	}
	hash := HashContent(content)

	if hash == meta.ContentHash && oldPath == "" && !force {
		return nil
	}

	localChanged := hash != meta.ContentHash || oldPath != ""
	if localChanged && s.skipForSize(path, int64(len(content))) {
		return nil
	}

	var res updateResult
	if localChanged {
		resp, err := s.transport.Put(ctx, rec.DocumentID, meta.ParentVersionID, path, content)
		if err != nil {
			return err
		}
		res = fromDocumentUpdate(resp)
	} else {
		// force without local changes: pull the newer remote revision
		v, err := s.transport.Get(ctx, rec.DocumentID)
		if err != nil {
			return err
		}
		res = fromDocumentVersion(v)
	}

	intent := IntentUpdate
	detail := "uploaded"
	switch {
	case oldPath != "":
		intent = IntentMove
		detail = "moved"
	case !localChanged:
		detail = "downloaded"
	}
	return s.applyResult(ctx, rec, content, hash, res, intent, detail)
}

// applyResult reconciles a server response against the record: a
// racing local delete wins, stale responses stop, remote deletions and
// renames are applied, merged content is written back.
func (s *Syncer) applyResult(ctx context.Context, rec *DocumentRecord, localContent []byte, localHash string, res updateResult, intent EntryIntent, detail string) error {
	// a local delete raced with the round-trip; do not resurrect
	if s.store.IsRecordDeleted(rec) {
		s.store.AddSeenUpdateID(res.vaultUpdateID)
		return nil
	}

	// stale relative to what we already acknowledged
	if meta := s.store.MetadataOf(rec); meta != nil && res.vaultUpdateID < meta.ParentVersionID {
		s.store.AddSeenUpdateID(res.vaultUpdateID)
		return nil
	}

	if res.isDeleted {
		s.store.MarkRemoteDeleted(rec)
		s.suppressEcho(rec.RelativePath)
		if err := s.files.Delete(ctx, rec.RelativePath); err != nil && !errors.Is(err, vaultfs.ErrFileNotFound) {
			return err
		}
		s.store.AddSeenUpdateID(res.vaultUpdateID)
		s.history.Append(HistoryEntry{
			Intent:        IntentDelete,
			Status:        StatusSuccess,
			Path:          rec.RelativePath,
			Detail:        "deleted by server",
			VaultUpdateID: res.vaultUpdateID,
		})
		return nil
	}

	currentPath := rec.RelativePath
	if res.relativePath != currentPath {
		s.suppressEcho(currentPath)
		s.suppressEcho(res.relativePath)
		target, err := s.files.Move(ctx, currentPath, res.relativePath)
		if err != nil && !errors.Is(err, vaultfs.ErrFileNotFound) {
			return err
		}
		if err == nil {
			if target != res.relativePath {
				s.suppressEcho(target)
			}
			if err := s.store.Move(currentPath, target); err != nil {
				return err
			}
			currentPath = target
			detail = "moved by server"
		}
	}

	newHash := localHash
	if res.hasContent {
		s.suppressEcho(currentPath)
		written, err := s.files.Write(ctx, currentPath, localContent, res.content)
		if err != nil {
			return err
		}
		if written != nil {
			newHash = HashContent(written)
			if detail == "uploaded" || detail == "created" {
				detail = "merged"
			}
		} else {
			// the file vanished mid-merge; remember the server's bytes
			// so the eventual delete event reconciles cleanly
			newHash = HashContent(res.content)
		}
	}

	s.store.UpdateMetadata(rec, DocumentMetadata{
		ParentVersionID:    res.vaultUpdateID,
		ContentHash:        newHash,
		RemoteRelativePath: res.relativePath,
	})
	s.store.AddSeenUpdateID(res.vaultUpdateID)
	s.history.Append(HistoryEntry{
		Intent:        intent,
		Status:        StatusSuccess,
		Path:          currentPath,
		Detail:        detail,
		VaultUpdateID: res.vaultUpdateID,
	})
	return nil
}

func (s *Syncer) skipForSize(path string, size int64) bool {
	if size <= s.maxFileSize {
		return false
	}
	s.history.Append(HistoryEntry{
		Intent: IntentSkipped,
		Status: StatusSuccess,
		Path:   path,
		Detail: "file exceeds size limit (" + humanize.IBytes(uint64(size)) + ")",
	})
	return true
}
