// Package sync implements the vault synchronisation core: the document
// metadata store, the sync procedures, the bounded work scheduler and
// the remote update loop.
package sync

import (
	"crypto/md5"
	"fmt"
	"sync"
)

// EmptyHash is the digest of the empty byte sequence and the canonical
// hash of any logically deleted document.
var EmptyHash = HashContent(nil)

// HashContent returns the hex digest used as a document content hash.
func HashContent(content []byte) string {
	return fmt.Sprintf("%x", md5.Sum(content))
}

// DocumentMetadata is the server-acknowledged part of a record.
type DocumentMetadata struct {
	// ParentVersionID is the vault update id last acknowledged for
	// this document; it is the optimistic-concurrency precondition on
	// uploads.
	ParentVersionID int64
	// ContentHash is the digest of the synced content; EmptyHash marks
	// deletion.
	ContentHash string
	// RemoteRelativePath is the path the server knows the document by.
	// Filesystem events landing on this path are echoes of a
	// server-driven rename, not user edits.
	RemoteRelativePath string
}

// DocumentRecord is the mutable per-document cell. The MetadataStore
// exclusively owns every record; everyone else reads fields and calls
// back through named store mutators.
type DocumentRecord struct {
	RelativePath string
	DocumentID   string
	// Metadata is nil until the server acknowledges the document.
	// Records without metadata are never persisted.
	Metadata  *DocumentMetadata
	IsDeleted bool
	// remoteDeleted is set once the server has acknowledged (or
	// originated) the deletion; further delete events for the path are
	// echoes and must not round-trip again.
	remoteDeleted bool
	// ParallelVersion counts how many times this relative path has
	// been reused after a delete or overwrite; the live record at a
	// path is the one with the highest value.
	ParallelVersion int

	pending map[*PendingUpdate]struct{}
}

// PendingUpdate is a completion handle chained onto a record. The
// store awaits existing handles before admitting the next operation on
// the same record, giving each document a total order of procedures.
type PendingUpdate struct {
	done chan struct{}
	once sync.Once
}

func NewPendingUpdate() *PendingUpdate {
	return &PendingUpdate{done: make(chan struct{})}
}

// Done is closed when the handle settles.
func (p *PendingUpdate) Done() <-chan struct{} {
	return p.done
}

func (p *PendingUpdate) settle() {
	p.once.Do(func() {
		close(p.done)
	})
}
