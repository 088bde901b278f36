package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/store"
)

// WSMessage defines a simple envelope for agent<->controller messages.
type WSMessage struct {
	Type    string      `json:"type"`              // command, hello
	NodeID  string      `json:"nodeId,omitempty"`  // target node address
	Payload interface{} `json:"payload,omitempty"` // arbitrary JSON
}

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// agentConn owns one agent socket. Messages are queued and written by a single writer goroutine.
type agentConn struct {
	conn *websocket.Conn
	out  chan WSMessage
	done chan struct{}
	once sync.Once
}

func newAgentConn(conn *websocket.Conn) *agentConn {
	return &agentConn{conn: conn, out: make(chan WSMessage, sendBuffer), done: make(chan struct{})}
}

// enqueue never blocks; a full queue drops the message.
func (c *agentConn) enqueue(msg WSMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *agentConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// WSHub maintains agent connections keyed by cluster and node address.
type WSHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	agents   map[string]*agentConn
	// writeWait bounds a single socket write.
	writeWait time.Duration
	logger    hclog.Logger
}

func NewWSHub(logger hclog.Logger) *WSHub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		agents:    map[string]*agentConn{},
		writeWait: writeWait,
		logger:    logger.Named("ws"),
	}
}

func agentKey(clusterID, nodeIP string) string {
	return clusterID + "/" + nodeIP
}

// HandleAgentWS upgrades and stores the connection for a node; expects ?clusterId=x&nodeIp=y.
func (h *WSHub) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	clusterID := r.URL.Query().Get("clusterId")
	nodeIP := r.URL.Query().Get("nodeIp")
	if clusterID == "" || nodeIP == "" {
		http.Error(w, "clusterId and nodeIp required", http.StatusBadRequest)
		return
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "cluster", clusterID, "node", nodeIP, "error", err)
		return
	}
	key := agentKey(clusterID, nodeIP)
	ac := newAgentConn(c)
	h.mu.Lock()
	if old, ok := h.agents[key]; ok {
		old.close()
	}
	h.agents[key] = ac
	h.mu.Unlock()
	h.logger.Info("agent connected", "cluster", clusterID, "node", nodeIP)
	go h.writeLoop(key, ac)
	go h.readLoop(key, ac)
}

// Connected counts the live agent connections of a cluster.
func (h *WSHub) Connected(clusterID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for key := range h.agents {
		if strings.HasPrefix(key, clusterID+"/") {
			n++
		}
	}
	return n
}

// Send queues msg for a connected node and reports whether it was accepted.
// It never waits on the socket.
func (h *WSHub) Send(clusterID, nodeIP string, msg WSMessage) bool {
	h.mu.RLock()
	c := h.agents[agentKey(clusterID, nodeIP)]
	h.mu.RUnlock()
	if c == nil {
		h.logger.Trace("ws send skipped; node not connected", "cluster", clusterID, "node", nodeIP)
		return false
	}
	if !c.enqueue(msg) {
		h.logger.Warn("ws send dropped; queue full", "cluster", clusterID, "node", nodeIP, "type", msg.Type)
		return false
	}
	return true
}

func (h *WSHub) writeLoop(key string, c *agentConn) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Warn("ws write failed", "agent", key, "error", err)
				c.close()
				return
			}
			h.logger.Debug("ws send", "agent", key, "type", msg.Type)
		}
	}
}

func (h *WSHub) readLoop(key string, c *agentConn) {
	defer func() {
		c.close()
		h.mu.Lock()
		if h.agents[key] == c {
			delete(h.agents, key)
		}
		h.mu.Unlock()
		h.logger.Info("agent disconnected", "agent", key)
	}()
	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		h.logger.Trace("ws recv", "agent", key, "type", msg.Type)
	}
}

// NotifyingCommands pushes every appended command to its node over the hub.
// Delivery is best-effort; agents still poll the command list.
type NotifyingCommands struct {
	store.CommandStore
	Hub *WSHub
}

func (n NotifyingCommands) AppendCommand(ctx context.Context, cmd model.Command) (model.Command, error) {
	saved, err := n.CommandStore.AppendCommand(ctx, cmd)
	if err != nil || n.Hub == nil {
		return saved, err
	}
	n.Hub.Send(saved.ClusterID, saved.NodeIP, WSMessage{Type: "command", NodeID: saved.NodeIP, Payload: saved})
	return saved, nil
}
