package blob

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

	"github.com/hyacinthwatch/backend/pkg/config"
	"github.com/hyacinthwatch/backend/pkg/logger"
	"github.com/hyacinthwatch/backend/pkg/types"
)

const defaultTimeout = 30 * time.Second

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Store is the surface pipeline stages use to move bytes in and out of
// object storage.
type Store interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (types.BlobRef, error)
	Download(ctx context.Context, bucket, path string) ([]byte, error)
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, bucket, path string) bool
}

// Client talks to the storage service over its REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	serviceKey string
	logg       *logger.Logger
}

// Pinger exposes the health-check surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewClient builds a storage client from configuration.
func NewClient(ctx context.Context, cfg config.BlobConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("blob store base url is required")
	}
	if strings.TrimSpace(cfg.ServiceKey) == "" {
		return nil, errors.New("blob store service key is required")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		serviceKey: cfg.ServiceKey,
		logg:       logg,
	}

	if logg != nil {
		logg.Info(ctx, "blob store client initialized")
	}

	return client, nil
}

// Upload writes data into bucket/path and returns its store:// reference.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (types.BlobRef, error) {
	if bucket == "" || path == "" {
		return types.BlobRef{}, errors.New("blob: bucket and path are required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(bucket, path), bytes.NewReader(data))
	if err != nil {
		return types.BlobRef{}, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", contentType)
	// Re-uploading the same path replaces the object.
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("blob: upload %s/%s: %w", bucket, path, err)
	}
	defer c.closeBody(ctx, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return types.BlobRef{}, fmt.Errorf("blob: upload %s/%s: %s", bucket, path, responseError(resp))
	}

	return types.NewBlobRef(bucket, path), nil
}

// Download fetches the raw object bytes, or ErrNotFound.
func (c *Client) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	if bucket == "" || path == "" {
		return nil, errors.New("blob: bucket and path are required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(bucket, path), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob: download %s/%s: %w", bucket, path, err)
	}
	defer c.closeBody(ctx, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blob: download %s/%s: %s", bucket, path, responseError(resp))
	}

	return io.ReadAll(resp.Body)
}

// SignedURL creates a time-limited URL for direct object access.
func (c *Client) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if bucket == "" || path == "" {
		return "", errors.New("blob: bucket and path are required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	body, err := json.Marshal(map[string]int{"expiresIn": int(ttl.Seconds())})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", c.baseURL, url.PathEscape(bucket), escapePath(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob: sign %s/%s: %w", bucket, path, err)
	}
	defer c.closeBody(ctx, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("blob: sign %s/%s: %s", bucket, path, responseError(resp))
	}

	var signResp struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signResp); err != nil {
		return "", err
	}
	if signResp.SignedURL == "" {
		return "", fmt.Errorf("blob: sign %s/%s: empty signed url", bucket, path)
	}
	if strings.HasPrefix(signResp.SignedURL, "/") {
		return c.baseURL + signResp.SignedURL, nil
	}
	return signResp.SignedURL, nil
}

// Delete removes the object, best effort. Failures are logged, not returned.
func (c *Client) Delete(ctx context.Context, bucket, path string) bool {
	if bucket == "" || path == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(bucket, path), nil)
	if err != nil {
		return false
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.logg != nil {
			c.logg.Warn(ctx, fmt.Sprintf("blob: delete %s/%s failed: %v", bucket, path, err))
		}
		return false
	}
	defer c.closeBody(ctx, resp.Body)

	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

// Ping verifies the storage service answers authenticated requests.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.httpClient == nil {
		return errors.New("blob client not initialized")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/storage/v1/bucket", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(ctx, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("blob store health check failed: %s", resp.Status)
	}
	return nil
}

func (c *Client) objectURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, url.PathEscape(bucket), escapePath(path))
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
}

func (c *Client) closeBody(ctx context.Context, body io.Closer) {
	if body == nil {
		return
	}
	if err := body.Close(); err != nil && c.logg != nil {
		c.logg.Warn(ctx, "blob: closing response body failed")
	}
}

func escapePath(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}

func responseError(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if len(b) > 0 {
		return fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return resp.Status
}
