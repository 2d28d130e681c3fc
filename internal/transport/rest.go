// Package transport owns the client's two channels to the notification
// service: a typed REST surface and a persistent websocket push connection.
package transport

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

	"go.uber.org/zap"

	"github.com/bazaarlab/notisync/internal/notify"
	apperrors "github.com/bazaarlab/notisync/pkg/errors"
	"github.com/bazaarlab/notisync/pkg/logger"
)

const defaultRequestTimeout = 15 * time.Second

// RESTClient issues the notification REST calls the sync subsystem needs.
type RESTClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

// NewRESTClient constructs a REST client for the supplied API base URL.
func NewRESTClient(baseURL, token string, timeout time.Duration) (*RESTClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("transport: base url is required")
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		log:     logger.WithModule("transport.rest"),
	}, nil
}

// FetchPage returns one page of notifications with pagination metadata and
// the server-computed unread counter.
func (c *RESTClient) FetchPage(ctx context.Context, page, limit int) (*notify.Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var out notify.Page
	if err := c.do(ctx, http.MethodGet, "/notifications?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead confirms a read transition server-side and returns the updated
// record.
func (c *RESTClient) MarkRead(ctx context.Context, id string) (*notify.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("transport: notification id is required")
	}

	var out notify.Record
	if err := c.do(ctx, http.MethodPatch, "/notifications/read/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkAllRead confirms a mark-all transition server-side.
func (c *RESTClient) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/notifications/read-all", nil, nil)
}

// Delete removes a notification server-side.
func (c *RESTClient) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("transport: notification id is required")
	}
	return c.do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil)
}

// Send creates a notification through the admin surface.
func (c *RESTClient) Send(ctx context.Context, input notify.AdminSendInput) (*notify.Record, error) {
	if err := checkOutbound(input); err != nil {
		return nil, apperrors.Wrap(err, "invalid notification payload")
	}

	var out notify.Record
	if err := c.do(ctx, http.MethodPost, "/notifications/admin", input, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the admin-scoped send history.
func (c *RESTClient) History(ctx context.Context, page, limit int) (*notify.Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))

	var out notify.Page
	if err := c.do(ctx, http.MethodGet, "/notifications/admin?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAdmin returns a single admin-scoped notification.
func (c *RESTClient) GetAdmin(ctx context.Context, id string) (*notify.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("transport: notification id is required")
	}

	var out notify.Record
	if err := c.do(ctx, http.MethodGet, "/notifications/admin/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAdmin removes an admin-scoped notification.
func (c *RESTClient) DeleteAdmin(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("transport: notification id is required")
	}
	return c.do(ctx, http.MethodDelete, "/notifications/admin/"+url.PathEscape(id), nil, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := decodeErrorMessage(resp.Body)
		c.log.Debug("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return apperrors.FromStatus(resp.StatusCode, message)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, "decode response body")
	}
	return nil
}

// decodeErrorMessage pulls a human-readable message out of an error body,
// tolerating both flat and enveloped shapes.
func decodeErrorMessage(r io.Reader) string {
	var payload struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error.Message
}
