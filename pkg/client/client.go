// Package client talks to the archivelog control plane REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/archivelog/archivelog/pkg/control"
	"github.com/archivelog/archivelog/pkg/logbook"
	"github.com/archivelog/archivelog/pkg/storage"
)

// ErrChainBroken is returned by Verify when the server reports a broken
// logbook chain.
var ErrChainBroken = errors.New("logbook chain broken")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// retryableStatusCodes trigger another attempt of an idempotent request.
var retryableStatusCodes = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
}

var defaultBackoffs = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Client is a control plane client.
type Client struct {
	base     string
	http     *http.Client
	backoffs []time.Duration
}

// New returns a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 2 * time.Hour},
		backoffs: defaultBackoffs,
	}
}

// Backup triggers a backup of the write log (isWriteOperation) or the access
// log. The per-tenant results are returned even when the server reports a
// failure; the error then carries the server's aggregate message.
func (c *Client) Backup(ctx context.Context, isWriteOperation bool, req control.BackupRequest) (control.BackupResponse, error) {
	path := "/api/v1/storageaccesslog/backup"
	if isWriteOperation {
		path = "/api/v1/storagelog/backup"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return control.BackupResponse{}, fmt.Errorf("client.Backup: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return control.BackupResponse{}, fmt.Errorf("client.Backup: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	// Backups are not idempotent: a single attempt.
	resp, err := c.http.Do(hreq)
	if err != nil {
		return control.BackupResponse{}, fmt.Errorf("client.Backup: %w", err)
	}
	defer resp.Body.Close()

	var out control.BackupResponse
	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return out, fmt.Errorf("client.Backup: %w", err)
		}
		return out, nil
	case http.StatusInternalServerError:
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &out) == nil && out.Error != "" {
			return out, fmt.Errorf("client.Backup: %s", out.Error)
		}
		return out, fmt.Errorf("client.Backup: %w", &StatusError{Code: resp.StatusCode, Body: string(data)})
	default:
		data, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("client.Backup: %w", &StatusError{Code: resp.StatusCode, Body: string(data)})
	}
}

// Operation returns the logbook entries of one operation.
func (c *Client) Operation(ctx context.Context, operationID string) ([]logbook.Entry, error) {
	var out []logbook.Entry
	if err := c.getJSON(ctx, "/api/v1/logbook/operations/"+url.PathEscape(operationID), &out); err != nil {
		return nil, fmt.Errorf("client.Operation: %w", err)
	}
	return out, nil
}

// Recent returns up to limit logbook entries, newest first.
func (c *Client) Recent(ctx context.Context, limit int) ([]logbook.Entry, error) {
	var out []logbook.Entry
	if err := c.getJSON(ctx, "/api/v1/logbook?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, fmt.Errorf("client.Recent: %w", err)
	}
	return out, nil
}

// Verify asks the server to walk the logbook chain.
func (c *Client) Verify(ctx context.Context) (logbook.VerifyResult, error) {
	var out logbook.VerifyResult
	err := c.getJSON(ctx, "/api/v1/logbook/verify", &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		var broken struct {
			Error string `json:"error"`
		}
		json.Unmarshal([]byte(se.Body), &broken)
		return out, fmt.Errorf("client.Verify: %w: %s", ErrChainBroken, broken.Error)
	}
	if err != nil {
		return out, fmt.Errorf("client.Verify: %w", err)
	}
	return out, nil
}

// Status returns the live state of the server.
func (c *Client) Status(ctx context.Context) (control.StatusReport, error) {
	var out control.StatusReport
	if err := c.getJSON(ctx, "/api/v1/status", &out); err != nil {
		return out, fmt.Errorf("client.Status: %w", err)
	}
	return out, nil
}

// PutObject stores data as an object of tenant under category.
func (c *Client) PutObject(ctx context.Context, tenant int, strategyID string, category storage.DataCategory,
	name string, data []byte) (storage.StoredInfo, error) {

	var info storage.StoredInfo
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.objectURL(strategyID, category, name), bytes.NewReader(data))
	if err != nil {
		return info, fmt.Errorf("client.PutObject: %w", err)
	}
	req.Header.Set(control.HeaderTenant, strconv.Itoa(tenant))
	resp, err := c.do(req)
	if err != nil {
		return info, fmt.Errorf("client.PutObject: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return info, fmt.Errorf("client.PutObject: %w", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("client.PutObject: %w", err)
	}
	return info, nil
}

// GetObject reads an object of tenant.
func (c *Client) GetObject(ctx context.Context, tenant int, strategyID string, category storage.DataCategory,
	name string) ([]byte, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(strategyID, category, name), nil)
	if err != nil {
		return nil, fmt.Errorf("client.GetObject: %w", err)
	}
	req.Header.Set(control.HeaderTenant, strconv.Itoa(tenant))
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("client.GetObject: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("client.GetObject: %w", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("client.GetObject: %w", err)
	}
	return data, nil
}

func (c *Client) objectURL(strategyID string, category storage.DataCategory, name string) string {
	return fmt.Sprintf("%s/api/v1/objects/%s/%s/%s", c.base,
		url.PathEscape(strategyID), url.PathEscape(string(category)), url.PathEscape(name))
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &StatusError{Code: resp.StatusCode, Body: string(data)}
}

// do executes an idempotent request, retrying with backoff on transport
// errors and on 429, 502 and 503 responses.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := range len(c.backoffs) {
		r := req
		if attempt > 0 {
			r = req.Clone(req.Context())
			if req.Body != nil {
				if req.GetBody == nil {
					return nil, lastErr
				}
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("retry: get body: %w", err)
				}
				r.Body = body
			}
		}

		resp, err := c.http.Do(r)
		switch {
		case err != nil:
			lastErr = err
		case retryableStatusCodes[resp.StatusCode] && attempt < len(c.backoffs)-1:
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		default:
			return resp, nil
		}

		if attempt == len(c.backoffs)-1 {
			break
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(c.backoffs[attempt]):
		}
	}
	return nil, lastErr
}
