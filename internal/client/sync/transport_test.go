package sync

import (
	"context"
	"fmt"
	"path"
	"strings"

	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/schmelczer/reconcile/internal/merge"
	"github.com/schmelczer/reconcile/internal/sdk"
)

// fakeVault is an in-memory authoritative store implementing
// Transport. It mimics the server contract: strictly increasing vault
// update ids, path deconfliction on create and server-side merging on
// concurrent puts.
type fakeVault struct {
	mu       sync.Mutex
	updateID int64
	docs     map[string]*fakeDoc
	merger   merge.Merger

	calls atomic.Int64

	// onPut runs after a put is accepted but before it returns; tests
	// use it to race local events against the in-flight response.
	onPut func()

	// subscribers receive a notification for every accepted mutation.
	subscribers []func(*sdk.VaultUpdateNotification)
}

type fakeDoc struct {
	id       string
	path     string
	deleted  bool
	versions []fakeVersion
}

type fakeVersion struct {
	updateID int64
	content  []byte
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		docs:   make(map[string]*fakeDoc),
		merger: merge.NewDMP(),
	}
}

func (f *fakeVault) subscribe(fn func(*sdk.VaultUpdateNotification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, fn)
}

func (f *fakeVault) notifyLocked(doc *fakeDoc) {
	n := &sdk.VaultUpdateNotification{
		VaultUpdateID: doc.latest().updateID,
		DocumentID:    doc.id,
		RelativePath:  doc.path,
		IsDeleted:     doc.deleted,
		ContentSize:   int64(len(doc.latest().content)),
	}
	for _, fn := range f.subscribers {
		fn(n)
	}
}

func (d *fakeDoc) latest() fakeVersion {
	return d.versions[len(d.versions)-1]
}

func (d *fakeDoc) contentAt(updateID int64) []byte {
	for i := len(d.versions) - 1; i >= 0; i-- {
		if d.versions[i].updateID <= updateID {
			return d.versions[i].content
		}
	}
	return nil
}

func (f *fakeVault) liveByPath(p string) *fakeDoc {
	for _, doc := range f.docs {
		if doc.path == p && !doc.deleted {
			return doc
		}
	}
	return nil
}

func (f *fakeVault) deconflictPath(p string) string {
	if f.liveByPath(p) == nil {
		return p
	}
	ext := path.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if f.liveByPath(candidate) == nil {
			return candidate
		}
	}
}

func (f *fakeVault) Create(_ context.Context, documentID, relativePath string, content []byte) (*sdk.DocumentUpdate, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	if documentID == "" {
		documentID = uuid.NewString()
	}
	f.updateID++
	doc := &fakeDoc{
		id:       documentID,
		path:     f.deconflictPath(relativePath),
		versions: []fakeVersion{{updateID: f.updateID, content: content}},
	}
	f.docs[documentID] = doc
	f.notifyLocked(doc)

	return &sdk.DocumentUpdate{
		Kind:          sdk.UpdateAccepted,
		DocumentID:    documentID,
		VaultUpdateID: f.updateID,
		RelativePath:  doc.path,
	}, nil
}

func (f *fakeVault) Put(_ context.Context, documentID string, parentVersionID int64, relativePath string, content []byte) (*sdk.DocumentUpdate, error) {
	f.calls.Add(1)
	f.mu.Lock()

	doc, ok := f.docs[documentID]
	if !ok {
		f.mu.Unlock()
		return nil, &sdk.APIError{Code: "not_found", Message: "unknown document", Status: 404}
	}

	if doc.deleted {
		resp := &sdk.DocumentUpdate{
			Kind:          sdk.UpdateAccepted,
			DocumentID:    documentID,
			VaultUpdateID: doc.latest().updateID,
			RelativePath:  doc.path,
			IsDeleted:     true,
		}
		f.mu.Unlock()
		return resp, nil
	}

	kind := sdk.UpdateAccepted
	stored := content
	if doc.latest().updateID > parentVersionID {
		// a concurrent revision landed; merge and hand the result back
		base := string(doc.contentAt(parentVersionID))
		merged := f.merger.Merge3(base, string(doc.latest().content), string(content), merge.Word)
		stored = []byte(merged)
		kind = sdk.UpdateMerging
	}

	f.updateID++
	doc.versions = append(doc.versions, fakeVersion{updateID: f.updateID, content: stored})
	doc.path = relativePath
	f.notifyLocked(doc)

	resp := &sdk.DocumentUpdate{
		Kind:          kind,
		DocumentID:    documentID,
		VaultUpdateID: f.updateID,
		RelativePath:  doc.path,
	}
	if kind == sdk.UpdateMerging {
		resp.Content = stored
	}
	onPut := f.onPut
	f.mu.Unlock()

	if onPut != nil {
		onPut()
	}
	return resp, nil
}

func (f *fakeVault) Delete(_ context.Context, documentID, relativePath string) (*sdk.DocumentVersionNoContent, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[documentID]
	if !ok {
		return nil, &sdk.APIError{Code: "not_found", Message: "unknown document", Status: 404}
	}

	f.updateID++
	doc.deleted = true
	doc.versions = append(doc.versions, fakeVersion{updateID: f.updateID, content: nil})
	f.notifyLocked(doc)

	return &sdk.DocumentVersionNoContent{
		DocumentID:    documentID,
		VaultUpdateID: f.updateID,
		RelativePath:  doc.path,
		IsDeleted:     true,
	}, nil
}

func (f *fakeVault) Get(_ context.Context, documentID string) (*sdk.DocumentVersion, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, ok := f.docs[documentID]
	if !ok {
		return nil, &sdk.APIError{Code: "not_found", Message: "unknown document", Status: 404}
	}

	return &sdk.DocumentVersion{
		DocumentVersionNoContent: sdk.DocumentVersionNoContent{
			DocumentID:    documentID,
			VaultUpdateID: doc.latest().updateID,
			RelativePath:  doc.path,
			IsDeleted:     doc.deleted,
			ContentSize:   int64(len(doc.latest().content)),
		},
		Content: doc.latest().content,
	}, nil
}

func (f *fakeVault) GetAll(_ context.Context, since int64) (*sdk.VaultViewResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &sdk.VaultViewResponse{LastUpdateID: f.updateID}
	for _, doc := range f.docs {
		latest := doc.latest()
		if latest.updateID <= since {
			continue
		}
		out.LatestDocuments = append(out.LatestDocuments, sdk.DocumentVersionNoContent{
			DocumentID:    doc.id,
			VaultUpdateID: latest.updateID,
			RelativePath:  doc.path,
			IsDeleted:     doc.deleted,
			ContentSize:   int64(len(latest.content)),
		})
	}
	return out, nil
}

func (f *fakeVault) Ping(_ context.Context) (*sdk.PingResponse, error) {
	return &sdk.PingResponse{ServerVersion: "fake", IsAuthenticated: true}, nil
}
