package sync

import (
	"context"
	"fmt"
	"log/slog"

	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/schmelczer/reconcile/internal/watermark"
)

// MetadataStore owns every DocumentRecord. All reads and mutations go
// through it; sync procedures receive record handles whose lifetime is
// bounded by a pending-update chained onto the record.
type MetadataStore struct {
	mu      sync.Mutex
	records []*DocumentRecord

	seen            *watermark.Watermark
	initialSyncDone bool

	persistence Persistence
	saveCh      chan struct{}
	saveDone    chan struct{}
	saveOnce    sync.Once
}

func NewMetadataStore(persistence Persistence) (*MetadataStore, error) {
	s := &MetadataStore{
		persistence: persistence,
		seen:        watermark.New(0),
		saveCh:      make(chan struct{}, 1),
		saveDone:    make(chan struct{}),
	}

	snapshot, err := persistence.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snapshot != nil {
		s.seen = watermark.New(snapshot.LastSeenUpdateID)
		s.initialSyncDone = snapshot.HasInitialSyncCompleted
		for _, doc := range snapshot.Documents {
			s.records = append(s.records, &DocumentRecord{
				RelativePath: doc.RelativePath,
				DocumentID:   doc.DocumentID,
				Metadata: &DocumentMetadata{
					ParentVersionID:    doc.ParentVersionID,
					ContentHash:        doc.ContentHash,
					RemoteRelativePath: doc.RemoteRelativePath,
				},
				pending: make(map[*PendingUpdate]struct{}),
			})
		}
	}

	go s.saver()
	return s, nil
}

// Close flushes the snapshot and stops the background saver.
func (s *MetadataStore) Close() {
	s.saveOnce.Do(func() {
		close(s.saveCh)
	})
	<-s.saveDone
}

// ResolvedDocuments returns, for each relative path, the record with
// the highest parallel version. Two records sharing both path and
// parallel version is a programmer error.
func (s *MetadataStore) ResolvedDocuments() ([]*DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedLocked()
}

func (s *MetadataStore) resolvedLocked() ([]*DocumentRecord, error) {
	best := make(map[string]*DocumentRecord)
	for _, rec := range s.records {
		current, ok := best[rec.RelativePath]
		if !ok {
			best[rec.RelativePath] = rec
			continue
		}
		if current.ParallelVersion == rec.ParallelVersion {
			return nil, fmt.Errorf("two records share path %q at parallel version %d", rec.RelativePath, rec.ParallelVersion)
		}
		if rec.ParallelVersion > current.ParallelVersion {
			best[rec.RelativePath] = rec
		}
	}

	resolved := make([]*DocumentRecord, 0, len(best))
	for _, rec := range s.records {
		if best[rec.RelativePath] == rec {
			resolved = append(resolved, rec)
		}
	}
	return resolved, nil
}

// GetLatestByPath returns the highest-parallel-version record at the
// path, deleted or not; nil when the path is unknown.
func (s *MetadataStore) GetLatestByPath(path string) *DocumentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestByPathLocked(path)
}

func (s *MetadataStore) latestByPathLocked(path string) *DocumentRecord {
	var latest *DocumentRecord
	for _, rec := range s.records {
		if rec.RelativePath != path {
			continue
		}
		if latest == nil || rec.ParallelVersion > latest.ParallelVersion {
			latest = rec
		}
	}
	return latest
}

// GetByID returns the record with the given document id, nil if
// unknown.
func (s *MetadataStore) GetByID(documentID string) *DocumentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.DocumentID == documentID {
			return rec
		}
	}
	return nil
}

// CreatePending appends a new unacknowledged record at the path, one
// parallel version above whatever lives there. Creating over a live
// record is a programmer error.
func (s *MetadataStore) CreatePending(documentID, path string, handle *PendingUpdate) (*DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 0
	if latest := s.latestByPathLocked(path); latest != nil {
		if !latest.IsDeleted {
			return nil, fmt.Errorf("record already live at %q", path)
		}
		version = latest.ParallelVersion + 1
	}

	rec := &DocumentRecord{
		RelativePath:    path,
		DocumentID:      documentID,
		ParallelVersion: version,
		pending:         map[*PendingUpdate]struct{}{handle: {}},
	}
	s.records = append(s.records, rec)
	return rec, nil
}

// ResolveByPath returns the latest record at the path after the
// record's currently pending operations have settled, then chains the
// given handle onto it. This is the serialisation point for
// per-document work: callers run strictly one after another.
func (s *MetadataStore) ResolveByPath(ctx context.Context, path string, handle *PendingUpdate) (*DocumentRecord, error) {
	for {
		s.mu.Lock()
		rec := s.latestByPathLocked(path)
		if rec == nil {
			s.mu.Unlock()
			return nil, nil
		}
		if len(rec.pending) == 0 {
			rec.pending[handle] = struct{}{}
			s.mu.Unlock()
			return rec, nil
		}

		var waitFor *PendingUpdate
		for p := range rec.pending {
			waitFor = p
			break
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitFor.Done():
		}
	}
}

// UpdateMetadata overwrites the record's metadata and schedules a
// persist.
func (s *MetadataStore) UpdateMetadata(rec *DocumentRecord, metadata DocumentMetadata) {
	s.mu.Lock()
	rec.Metadata = &metadata
	s.mu.Unlock()
	s.scheduleSave()
}

// SetDocumentID replaces a client-assigned id with the server's
// authoritative one.
func (s *MetadataStore) SetDocumentID(rec *DocumentRecord, documentID string) {
	s.mu.Lock()
	rec.DocumentID = documentID
	s.mu.Unlock()
	s.scheduleSave()
}

// MetadataOf returns a copy of the record's metadata, nil while the
// record is still pending.
func (s *MetadataStore) MetadataOf(rec *DocumentRecord) *DocumentMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Metadata == nil {
		return nil
	}
	meta := *rec.Metadata
	return &meta
}

// IsRecordDeleted reads the record's deletion flag under the store
// lock; procedures re-check it after every round-trip.
func (s *MetadataStore) IsRecordDeleted(rec *DocumentRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rec.IsDeleted
}

// MarkRemoteDeleted flags the record deleted with the server's
// acknowledgement, so echoed delete events short-circuit instead of
// issuing a second remote delete.
func (s *MetadataStore) MarkRemoteDeleted(rec *DocumentRecord) {
	s.mu.Lock()
	rec.IsDeleted = true
	rec.remoteDeleted = true
	if rec.Metadata != nil {
		rec.Metadata.ContentHash = EmptyHash
	}
	s.mu.Unlock()
	s.scheduleSave()
}

// IsRemoteDeleted reports whether the record's deletion has already
// been settled with the server.
func (s *MetadataStore) IsRemoteDeleted(rec *DocumentRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rec.remoteDeleted
}

// Move relocates the record at oldPath to newPath, raising its
// parallel version above any record already at newPath. A live record
// at newPath fails the move.
func (s *MetadataStore) Move(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.latestByPathLocked(oldPath)
	if rec == nil {
		return fmt.Errorf("no record at %q", oldPath)
	}

	version := rec.ParallelVersion
	if existing := s.latestByPathLocked(newPath); existing != nil {
		if !existing.IsDeleted {
			return fmt.Errorf("record already live at %q", newPath)
		}
		if existing.ParallelVersion >= version {
			version = existing.ParallelVersion + 1
		}
	}

	rec.RelativePath = newPath
	rec.ParallelVersion = version
	s.scheduleSaveLocked()
	return nil
}

// Delete marks the latest record at the path deleted. Unknown paths
// are a no-op; the delete event may outlive its metadata.
func (s *MetadataStore) Delete(path string) {
	s.mu.Lock()
	rec := s.latestByPathLocked(path)
	if rec != nil {
		rec.IsDeleted = true
		if rec.Metadata != nil {
			rec.Metadata.ContentHash = EmptyHash
		}
	}
	s.mu.Unlock()
	if rec != nil {
		s.scheduleSave()
	}
}

// Remove drops the record entirely; used once its deletion has been
// acknowledged remotely.
func (s *MetadataStore) Remove(rec *DocumentRecord) {
	s.mu.Lock()
	for i, r := range s.records {
		if r == rec {
			s.records = append(s.records[:i], s.records[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.scheduleSave()
}

// RemovePending settles the handle and detaches it from its record.
// Idempotent: handles already settled or never attached are fine,
// which tolerates stragglers after a reset.
func (s *MetadataStore) RemovePending(handle *PendingUpdate) {
	s.mu.Lock()
	for _, rec := range s.records {
		delete(rec.pending, handle)
	}
	s.mu.Unlock()
	handle.settle()
}

// AddSeenUpdateID records an applied vault update id.
func (s *MetadataStore) AddSeenUpdateID(id int64) {
	s.seen.Add(id)
	s.scheduleSave()
}

// SetSeenFloor fast-forwards the last-seen watermark.
func (s *MetadataStore) SetSeenFloor(id int64) {
	s.seen.SetMin(id)
	s.scheduleSave()
}

// LastSeen returns the contiguous last-seen vault update id.
func (s *MetadataStore) LastSeen() int64 {
	return s.seen.Min()
}

// HasInitialSyncCompleted reports whether the first-run remote
// alignment has happened.
func (s *MetadataStore) HasInitialSyncCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialSyncDone
}

// SetInitialSyncCompleted persists the first-run flag.
func (s *MetadataStore) SetInitialSyncCompleted() {
	s.mu.Lock()
	s.initialSyncDone = true
	s.mu.Unlock()
	s.scheduleSave()
}

// Reset drops all in-memory records and reloads from the snapshot.
func (s *MetadataStore) Reset() error {
	snapshot, err := s.persistence.Load()
	if err != nil {
		return fmt.Errorf("reload snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		for p := range rec.pending {
			p.settle()
		}
	}

	s.records = nil
	s.seen = watermark.New(0)
	s.initialSyncDone = false
	if snapshot != nil {
		s.seen = watermark.New(snapshot.LastSeenUpdateID)
		s.initialSyncDone = snapshot.HasInitialSyncCompleted
		for _, doc := range snapshot.Documents {
			s.records = append(s.records, &DocumentRecord{
				RelativePath: doc.RelativePath,
				DocumentID:   doc.DocumentID,
				Metadata: &DocumentMetadata{
					ParentVersionID:    doc.ParentVersionID,
					ContentHash:        doc.ContentHash,
					RemoteRelativePath: doc.RemoteRelativePath,
				},
				pending: make(map[*PendingUpdate]struct{}),
			})
		}
	}
	return nil
}

// CheckConsistency verifies that document ids are unique across
// resolved records.
func (s *MetadataStore) CheckConsistency() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.checkConsistencyLocked()
	return err
}

func (s *MetadataStore) checkConsistencyLocked() ([]*DocumentRecord, error) {
	resolved, err := s.resolvedLocked()
	if err != nil {
		return nil, err
	}
	ids := mapset.NewThreadUnsafeSet[string]()
	for _, rec := range resolved {
		if !ids.Add(rec.DocumentID) {
			return nil, fmt.Errorf("document id %s appears on two resolved records", rec.DocumentID)
		}
	}
	return resolved, nil
}

// snapshot builds the persisted projection: acknowledged, non-deleted
// records only, plus the watermark and the first-run flag.
func (s *MetadataStore) snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved, err := s.checkConsistencyLocked()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		LastSeenUpdateID:        s.seen.Min(),
		HasInitialSyncCompleted: s.initialSyncDone,
	}
	for _, rec := range resolved {
		if rec.Metadata == nil || rec.IsDeleted {
			continue
		}
		snap.Documents = append(snap.Documents, SnapshotDocument{
			DocumentID:         rec.DocumentID,
			RelativePath:       rec.RelativePath,
			ParentVersionID:    rec.Metadata.ParentVersionID,
			ContentHash:        rec.Metadata.ContentHash,
			RemoteRelativePath: rec.Metadata.RemoteRelativePath,
		})
	}
	return snap, nil
}

func (s *MetadataStore) scheduleSave() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

func (s *MetadataStore) scheduleSaveLocked() {
	// the saver snapshots under its own lock acquisition; signalling
	// is lock-free either way
	s.scheduleSave()
}

// saver serialises snapshots to the persistence provider, coalescing
// bursts of mutations into single writes.
func (s *MetadataStore) saver() {
	defer close(s.saveDone)
	for range s.saveCh {
		s.saveNow()
	}
	// final flush on close
	s.saveNow()
}

func (s *MetadataStore) saveNow() {
	snap, err := s.snapshot()
	if err != nil {
		slog.Error("metadata snapshot refused", "error", err)
		return
	}
	if err := s.persistence.Save(snap); err != nil {
		slog.Error("metadata snapshot save failed", "error", err)
	}
}
