package agent

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

	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/reconcile"
)

// Client talks to the controller HTTP API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(controller, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(controller, "/"), token: token, http: hc}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Sync posts the node inventory. A nil batch means the cluster has nothing to reconcile.
func (c *Client) Sync(ctx context.Context, report model.SyncReport) (*reconcile.Batch, error) {
	var resp struct {
		Status   *int             `json:"status"`
		Response *reconcile.Batch `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/v1/plugin/sync", report, &resp); err != nil {
		return nil, err
	}
	if resp.Status != nil && *resp.Status != 0 {
		return nil, fmt.Errorf("sync rejected with status %d", *resp.Status)
	}
	return resp.Response, nil
}

// Commands lists queued commands for the node after the given id.
func (c *Client) Commands(ctx context.Context, clusterID, nodeIP string, after uint64) ([]model.Command, error) {
	q := url.Values{}
	q.Set("clusterId", clusterID)
	q.Set("nodeIp", nodeIP)
	q.Set("after", strconv.FormatUint(after, 10))
	var page struct {
		Items []model.Command `json:"items"`
	}
	if err := c.getJSON(ctx, "/api/v1/plugin/commands", q, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}
