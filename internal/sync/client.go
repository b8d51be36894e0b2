package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/jcortes/exposurelog/backend/internal/errors"
)

// ClientConfig holds the remote exposure service connection settings.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client implements ExposureAPI and PhotoAPI against the exposure
// service's HTTP interface. Every failure is classified into the sync
// error taxonomy so the workers can decide between retry, fail, and
// pause without inspecting transport details.
type Client struct {
	config     *ClientConfig
	auth       AuthSession
	httpClient *http.Client
}

// NewClient creates a Client. The per-request timeout comes from
// config; contexts passed by the workers may shorten it further.
func NewClient(config *ClientConfig, auth AuthSession) *Client {
	return &Client{
		config: config,
		auth:   auth,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// createExposureResponse is the server's reply to a report submission.
type createExposureResponse struct {
	ID string `json:"id"`
}

// confirmUploadResponse is the server's reply to an upload confirm.
type confirmUploadResponse struct {
	PhotoID string `json:"photoId"`
}

// CreateExposure submits a report. The client id travels as an
// idempotency key so a retry after a lost response does not duplicate
// the record server-side.
func (c *Client) CreateExposure(ctx context.Context, clientID string, payload json.RawMessage) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/exposures", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", clientID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(ctx, "create exposure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classifyStatus("create exposure", resp)
	}

	var created createExposureResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", apperrors.Wrap(apperrors.ErrSyncTransient, "decode create response", err)
	}
	if created.ID == "" {
		return "", apperrors.New(apperrors.ErrSyncPermanent, "server returned empty exposure id")
	}
	return created.ID, nil
}

// UpdateExposure replaces a synced report's payload.
func (c *Client) UpdateExposure(ctx context.Context, remoteID string, payload json.RawMessage) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/v1/exposures/"+url.PathEscape(remoteID), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(ctx, "update exposure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return classifyStatus("update exposure", resp)
	}
	return nil
}

// SoftDeleteExposure marks a synced report deleted on the server.
func (c *Client) SoftDeleteExposure(ctx context.Context, remoteID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/v1/exposures/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(ctx, "delete exposure", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return classifyStatus("delete exposure", resp)
	}
	return nil
}

// RequestUploadSlot reserves a destination for one photo's bytes.
func (c *Client) RequestUploadSlot(ctx context.Context, exposureRemoteID string, meta *PhotoMeta) (*UploadSlot, error) {
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncPermanent, "encode photo metadata", err)
	}

	path := "/v1/exposures/" + url.PathEscape(exposureRemoteID) + "/photos"
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, "request upload slot", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, classifyStatus("request upload slot", resp)
	}

	var slot UploadSlot
	if err := json.NewDecoder(resp.Body).Decode(&slot); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "decode upload slot", err)
	}
	if slot.UploadURL == "" || slot.SlotID == "" {
		return nil, apperrors.New(apperrors.ErrSyncPermanent, "server returned incomplete upload slot")
	}
	return &slot, nil
}

// TransferBytes streams the photo body to the granted slot. The slot
// URL is absolute and pre-authorized, so no bearer token is attached.
func (c *Client) TransferBytes(ctx context.Context, slot *UploadSlot, body io.Reader, size int64, progress func(percent int)) error {
	reader := body
	if progress != nil && size > 0 {
		reader = &progressReader{r: body, total: size, report: progress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.UploadURL, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncPermanent, "build transfer request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(ctx, "transfer photo bytes", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return classifyStatus("transfer photo bytes", resp)
	}

	if progress != nil {
		progress(100)
	}
	return nil
}

// ConfirmUpload finalizes the slot and returns the remote photo id.
func (c *Client) ConfirmUpload(ctx context.Context, exposureRemoteID string, slot *UploadSlot) (string, error) {
	path := "/v1/exposures/" + url.PathEscape(exposureRemoteID) +
		"/photos/" + url.PathEscape(slot.SlotID) + "/confirm"
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(ctx, "confirm upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("confirm upload", resp)
	}

	var confirmed confirmUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&confirmed); err != nil {
		return "", apperrors.Wrap(apperrors.ErrSyncTransient, "decode confirm response", err)
	}
	if confirmed.PhotoID == "" {
		return "", apperrors.New(apperrors.ErrSyncPermanent, "server returned empty photo id")
	}
	return confirmed.PhotoID, nil
}

// newRequest builds an API request with auth attached.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncPermanent, "build request", err)
	}
	if token := c.auth.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// classifyTransport maps request execution failures into the taxonomy.
// Network errors and timeouts are retryable; everything at this layer
// is assumed transient unless the context says otherwise.
func classifyTransport(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, op+" timed out", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return apperrors.Wrap(apperrors.ErrSyncOffline, op+" canceled", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncTransient, op+" request failed", err)
}

// classifyStatus maps HTTP status codes into the taxonomy. 401 means
// the session expired and the workers must park; other 4xx are
// permanent because retrying the same payload cannot succeed; 5xx and
// 429 are server trouble worth retrying.
func classifyStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperrors.New(apperrors.ErrSyncAuthExpired, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrSyncTransient, msg)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.New(apperrors.ErrSyncPermanent, msg)
	default:
		return apperrors.New(apperrors.ErrSyncTransient, msg)
	}
}

// progressReader reports cumulative read percentage as the HTTP client
// consumes the photo body.
type progressReader struct {
	r      io.Reader
	total  int64
	sent   int64
	last   int
	report func(percent int)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		percent := int(p.sent * 100 / p.total)
		if percent > 100 {
			percent = 100
		}
		if percent != p.last {
			p.last = percent
			p.report(percent)
		}
	}
	return n, err
}
