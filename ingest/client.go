package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/izavyalov-dev/delta-report/protocol"
)

// Client reports launch lifecycle events to the ingress.
type Client struct {
	baseURL string
	user    string
	client  *http.Client
}

func NewClient(baseURL, user string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) StartLaunch(ctx context.Context, project string, rq protocol.StartLaunchRQ) (string, error) {
	return c.send(ctx, http.MethodPost, c.path(project, "launch"), rq)
}

func (c *Client) FinishLaunch(ctx context.Context, project, launchUUID string, rq protocol.FinishExecutionRQ) (string, error) {
	return c.send(ctx, http.MethodPut, c.path(project, "launch", launchUUID, "finish"), rq)
}

// StartItem starts a root item when parentUUID is empty.
func (c *Client) StartItem(ctx context.Context, project, parentUUID string, rq protocol.StartItemRQ) (string, error) {
	if parentUUID == "" {
		return c.send(ctx, http.MethodPost, c.path(project, "item"), rq)
	}
	return c.send(ctx, http.MethodPost, c.path(project, "item", parentUUID), rq)
}

func (c *Client) FinishItem(ctx context.Context, project, itemUUID string, rq protocol.FinishExecutionRQ) (string, error) {
	return c.send(ctx, http.MethodPut, c.path(project, "item", itemUUID), rq)
}

func (c *Client) SaveLog(ctx context.Context, project string, rq protocol.SaveLogRQ) (string, error) {
	return c.send(ctx, http.MethodPost, c.path(project, "log"), rq)
}

func (c *Client) path(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return "/api/v1/" + strings.Join(escaped, "/")
}

func (c *Client) send(ctx context.Context, method, path string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(UserHeader, c.user)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return "", fmt.Errorf("unexpected status %s: %s", resp.Status, apiErr.Error)
		}
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	var created EntryCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return created.ID, nil
}
