package sdk

import (
	"context"
	"fmt"
	"strconv"

	"github.com/imroc/req/v3"
)

const (
	epDocuments = "/api/v1/vault/documents"
	epDocument  = "/api/v1/vault/documents/{id}"
	epPing      = "/api/v1/vault/ping"
)

// VaultAPI holds the document endpoints.
type VaultAPI struct {
	client *req.Client
}

func newVaultAPI(client *req.Client) *VaultAPI {
	return &VaultAPI{client: client}
}

// Create registers a new document. The server may assign an
// authoritative id and rename the path on collision.
func (v *VaultAPI) Create(ctx context.Context, documentID, relativePath string, content []byte) (*DocumentUpdate, error) {
	var out DocumentUpdate
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(&createRequest{
			DocumentID:   documentID,
			RelativePath: relativePath,
			Content:      content,
		}).
		SetSuccessResult(&out).
		Post(epDocuments)
	if err != nil {
		return nil, err
	}
	if err := checkError(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// Put uploads new content with parentVersionID as the
// optimistic-concurrency precondition.
func (v *VaultAPI) Put(ctx context.Context, documentID string, parentVersionID int64, relativePath string, content []byte) (*DocumentUpdate, error) {
	var out DocumentUpdate
	resp, err := v.client.R().
		SetContext(ctx).
		SetPathParam("id", documentID).
		SetBody(&putRequest{
			ParentVersionID: parentVersionID,
			RelativePath:    relativePath,
			Content:         content,
		}).
		SetSuccessResult(&out).
		Put(epDocument)
	if err != nil {
		return nil, err
	}
	if err := checkError(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete tombstones the document remotely.
func (v *VaultAPI) Delete(ctx context.Context, documentID, relativePath string) (*DocumentVersionNoContent, error) {
	var out DocumentVersionNoContent
	resp, err := v.client.R().
		SetContext(ctx).
		SetPathParam("id", documentID).
		SetBody(&deleteRequest{RelativePath: relativePath}).
		SetSuccessResult(&out).
		Delete(epDocument)
	if err != nil {
		return nil, err
	}
	if err := checkError(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches the latest revision of a document with content.
func (v *VaultAPI) Get(ctx context.Context, documentID string) (*DocumentVersion, error) {
	var out DocumentVersion
	resp, err := v.client.R().
		SetContext(ctx).
		SetPathParam("id", documentID).
		SetSuccessResult(&out).
		Get(epDocument)
	if err != nil {
		return nil, err
	}
	if err := checkError(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAll lists the latest revision of every document changed after
// since (0 for the full view).
func (v *VaultAPI) GetAll(ctx context.Context, since int64) (*VaultViewResponse, error) {
	var out VaultViewResponse
	r := v.client.R().
		SetContext(ctx).
		SetSuccessResult(&out)
	if since > 0 {
		r.SetQueryParam("since", strconv.FormatInt(since, 10))
	}
	resp, err := r.Get(epDocuments)
	if err != nil {
		return nil, err
	}
	if err := checkError(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks reachability and auth state.
func (v *VaultAPI) Ping(ctx context.Context) (*PingResponse, error) {
	var out PingResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		Get(epPing)
	if err != nil {
		return nil, err
	}
	if err := checkError(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

func checkError(resp *req.Response) error {
	if !resp.IsErrorState() {
		return nil
	}
	if apiErr, ok := resp.ErrorResult().(*APIError); ok {
		apiErr.Status = resp.StatusCode
		return apiErr
	}
	return fmt.Errorf("unexpected response status %q", resp.Status)
}
