package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// Client talks to the remote account service.
type Client struct {
	baseURL         string
	http            *http.Client
	limiter         *rate.Limiter
	uploadTimeout   time.Duration
	downloadTimeout time.Duration
}

// ClientOptions configures a Client. Zero values take defaults.
type ClientOptions struct {
	HTTPClient        *http.Client
	UploadTimeout     time.Duration
	DownloadTimeout   time.Duration
	RequestsPerSecond float64
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 10 * time.Second
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            opts.HTTPClient,
		limiter:         rate.NewLimiter(limit, 1),
		uploadTimeout:   opts.UploadTimeout,
		downloadTimeout: opts.DownloadTimeout,
	}
}

// Upload POSTs one batch.
func (c *Client) Upload(ctx context.Context, token string, req UploadRequest) (UploadResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return UploadResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("encode upload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(body))
	if err != nil {
		return UploadResponse{}, fmt.Errorf("build upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return UploadResponse{}, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UploadResponse{}, apiError(resp)
	}
	var out UploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return UploadResponse{}, fmt.Errorf("decode upload response: %w", err)
	}
	if !out.OK {
		return out, &APIError{Status: resp.StatusCode, Message: "upload not acknowledged"}
	}
	return out, nil
}

// Download fetches records newer than since. A nil response means the
// service has no new data.
func (c *Client) Download(ctx context.Context, token, accountID, deviceID string, since int64) (*DownloadResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if accountID != "" {
		q.Set("account_id", accountID)
	}
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, apiError(resp)
	}
	var out DownloadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode download response: %w", err)
	}
	return &out, nil
}

func apiError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, e) != nil || (e.Code == "" && e.Message == "") {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
