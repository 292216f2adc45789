package sync

import (
	"context"

	"github.com/schmelczer/reconcile/internal/sdk"
)

// SyncRemoteUpdate applies a remote change notification. rec is the
// locally known record for the document, nil when the document is new
// to this device.
func (s *Syncer) SyncRemoteUpdate(ctx context.Context, notification *sdk.VaultUpdateNotification, rec *DocumentRecord) error {
	if rec != nil {
		return s.classify(s.syncRemoteKnown(ctx, notification, rec), IntentUpdate, rec.RelativePath)
	}
	return s.classify(s.syncRemoteUnknown(ctx, notification), IntentCreate, notification.RelativePath)
}

// syncRemoteKnown handles a notification for a document we track: if
// we are at or ahead of the announced version there is nothing to do,
// otherwise the forced local-update pulls and reconciles the server's
// revision, merge case included.
func (s *Syncer) syncRemoteKnown(ctx context.Context, notification *sdk.VaultUpdateNotification, rec *DocumentRecord) error {
	if meta := s.store.MetadataOf(rec); meta != nil && meta.ParentVersionID >= notification.VaultUpdateID {
		s.store.AddSeenUpdateID(notification.VaultUpdateID)
		return nil
	}
	return s.syncLocalUpdate(ctx, rec, "", true)
}

// syncRemoteUnknown downloads a document created on another device.
func (s *Syncer) syncRemoteUnknown(ctx context.Context, notification *sdk.VaultUpdateNotification) error {
	if notification.IsDeleted {
		// never seen it, never will
		s.store.AddSeenUpdateID(notification.VaultUpdateID)
		return nil
	}

	if s.skipForSize(notification.RelativePath, notification.ContentSize) {
		s.store.AddSeenUpdateID(notification.VaultUpdateID)
		return nil
	}

	v, err := s.transport.Get(ctx, notification.DocumentID)
	if err != nil {
		return err
	}

	// a concurrent notification for the same id may have won the race
	if s.store.GetByID(notification.DocumentID) != nil {
		return nil
	}

	path := v.RelativePath

	// clear the target: an untracked local file moves aside rather
	// than being clobbered
	if s.files.Exists(ctx, path) {
		if local := s.store.GetLatestByPath(path); local == nil || s.store.IsRecordDeleted(local) {
			s.suppressEcho(path)
			aside, err := s.files.MoveAside(ctx, path)
			if err != nil {
				return err
			}
			s.suppressEcho(aside)
			s.history.Append(HistoryEntry{
				Intent: IntentMove,
				Status: StatusSuccess,
				Path:   path,
				Detail: "local file moved aside to " + aside,
			})
		}
	}

	handle := NewPendingUpdate()
	rec, err := s.store.CreatePending(v.DocumentID, path, handle)
	if err != nil {
		return err
	}
	defer s.store.RemovePending(handle)

	s.store.UpdateMetadata(rec, DocumentMetadata{
		ParentVersionID:    v.VaultUpdateID,
		ContentHash:        HashContent(v.Content),
		RemoteRelativePath: v.RelativePath,
	})

	s.suppressEcho(path)
	if _, err := s.files.Create(ctx, path, v.Content); err != nil {
		return err
	}

	s.store.AddSeenUpdateID(v.VaultUpdateID)
	s.history.Append(HistoryEntry{
		Intent:        IntentCreate,
		Status:        StatusSuccess,
		Path:          path,
		Detail:        "downloaded",
		VaultUpdateID: v.VaultUpdateID,
	})
	return nil
}
