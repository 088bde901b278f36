package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

const wsRetry = 5 * time.Second

type wsEnvelope struct {
	Type    string          `json:"type"`
	NodeID  string          `json:"nodeId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsClient keeps a connection to the controller hub and dispatches pushed messages by type.
type wsClient struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer
	handlers map[string]func(json.RawMessage)
	logger   hclog.Logger
}

func newWSClient(controller, clusterID, nodeIP, token string, tlsCfg *tls.Config, logger hclog.Logger) *wsClient {
	if controller == "" || clusterID == "" || nodeIP == "" {
		return nil
	}
	u, err := url.Parse(controller)
	if err != nil {
		return nil
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	u.Scheme = scheme
	u.Path = "/api/v1/ws/agent"
	q := u.Query()
	q.Set("clusterId", clusterID)
	q.Set("nodeIp", nodeIP)
	u.RawQuery = q.Encode()
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsCfg
	return &wsClient{
		endpoint: u.String(),
		token:    token,
		dialer:   &dialer,
		handlers: map[string]func(json.RawMessage){},
		logger:   logger.Named("ws"),
	}
}

func (c *wsClient) on(msgType string, fn func(json.RawMessage)) {
	c.handlers[msgType] = fn
}

// run dials and reads until ctx is done, reconnecting after failures.
func (c *wsClient) run(ctx context.Context) {
	for ctx.Err() == nil {
		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
		if err != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			c.logger.Warn("ws dial failed", "url", c.endpoint, "status", status, "error", err)
		} else {
			c.logger.Info("ws connected", "url", c.endpoint)
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			c.readLoop(conn)
			stop()
			_ = conn.Close()
			c.logger.Info("ws disconnected")
		}
		select {
		case <-ctx.Done():
		case <-time.After(wsRetry):
		}
	}
}

func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		c.logger.Trace("ws recv", "type", msg.Type)
		if h, ok := c.handlers[msg.Type]; ok {
			h(msg.Payload)
		}
	}
}
