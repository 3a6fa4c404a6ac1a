// Package transport implements the peer overlay: a full-duplex
// byte-stream per peer, built on gorilla/websocket. Peers introduce
// themselves by a plain node_id string on connect; message authentication
// is left to the router. It
// generalizes the teacher's WebSocketTransport (one HTTP listener + one
// dial goroutine per configured peer) from a fixed single-algorithm
// transport into the node's overlay capability consumed by the router.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound is one frame delivered from a peer, tagged with the sender's
// node_id as learned at connect time.
type Inbound struct {
	FromNodeID string
	Data       []byte
}

// Transport is the overlay capability described in spec §6: join a
// cluster-wide topic, accept/dial per-peer streams, exchange JSON frames
// as one websocket text message per frame.
type Transport struct {
	nodeID     string
	listenAddr string
	topicPath  string // derived from SHA-256(swarm name), used as the ws path
	peers      map[string]string // node_id -> host:port, static seed list

	logger *zap.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	connMu sync.RWMutex
	conns  map[string]*websocket.Conn

	inbound chan Inbound

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Transport. topicHex is the hex SHA-256 digest of the
// swarm name, used to scope the overlay endpoint so nodes on different
// logical swarms sharing a port never connect.
func New(nodeID, listenAddr, topicHex string, peers map[string]string, logger *zap.Logger) *Transport {
	return &Transport{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		topicPath:  "/overlay/" + topicHex,
		peers:      peers,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:   make(map[string]*websocket.Conn),
		inbound: make(chan Inbound, 1000),
		stopCh:  make(chan struct{}),
	}
}

// Start begins serving inbound connections and dialing configured peers.
func (t *Transport) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.topicPath, t.handleUpgrade)

	t.server = &http.Server{Addr: t.listenAddr, Handler: mux}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("overlay listener stopped", zap.Error(err))
		}
	}()

	t.wg.Add(1)
	go t.dialLoop()

	return nil
}

// Shutdown tears down the overlay: closes the listener, all peer
// connections, and waits for background goroutines to exit.
func (t *Transport) Shutdown() error {
	close(t.stopCh)

	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.server.Shutdown(ctx)
	}

	t.connMu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.connMu.Unlock()

	t.wg.Wait()
	close(t.inbound)
	return nil
}

// Receive returns the channel inbound frames are delivered on.
func (t *Transport) Receive() <-chan Inbound {
	return t.inbound
}

// Send writes data to a single connected peer. Returns an error if no
// connection currently exists; the caller should treat this as a
// transient-I/O condition (spec §7c) — the peer may reconnect shortly.
func (t *Transport) Send(nodeID string, data []byte) error {
	t.connMu.RLock()
	conn, ok := t.conns[nodeID]
	t.connMu.RUnlock()
	if !ok {
		return fmt.Errorf("no connection to node %s", nodeID)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcast writes data to every currently-connected peer, best-effort.
func (t *Transport) Broadcast(data []byte) {
	t.connMu.RLock()
	conns := make(map[string]*websocket.Conn, len(t.conns))
	for id, c := range t.conns {
		conns[id] = c
	}
	t.connMu.RUnlock()

	var wg sync.WaitGroup
	for nodeID, conn := range conns {
		wg.Add(1)
		go func(id string, c *websocket.Conn) {
			defer wg.Done()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Warn("broadcast write failed", zap.String("peer", id), zap.Error(err))
			}
		}(nodeID, conn)
	}
	wg.Wait()
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("overlay upgrade failed", zap.Error(err))
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	remoteID := string(data)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(t.nodeID)); err != nil {
		conn.Close()
		return
	}

	t.connMu.Lock()
	t.conns[remoteID] = conn
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.readPump(remoteID, conn)
}

func (t *Transport) dialLoop() {
	defer t.wg.Done()

	t.connectAll()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.connectAll()
		}
	}
}

func (t *Transport) connectAll() {
	for nodeID, addr := range t.peers {
		if nodeID == t.nodeID {
			continue
		}
		t.connMu.RLock()
		_, connected := t.conns[nodeID]
		t.connMu.RUnlock()
		if connected {
			continue
		}
		go t.dial(nodeID, addr)
	}
}

func (t *Transport) dial(nodeID, addr string) {
	url := fmt.Sprintf("ws://%s%s", addr, t.topicPath)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return // silently retry on the next tick, per spec's framing latitude
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(t.nodeID)); err != nil {
		conn.Close()
		return
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return
	}

	t.connMu.Lock()
	t.conns[nodeID] = conn
	t.connMu.Unlock()

	t.wg.Add(1)
	go t.readPump(nodeID, conn)
}

func (t *Transport) readPump(nodeID string, conn *websocket.Conn) {
	defer t.wg.Done()
	defer func() {
		t.connMu.Lock()
		delete(t.conns, nodeID)
		t.connMu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		select {
		case t.inbound <- Inbound{FromNodeID: nodeID, Data: data}:
		default:
			t.logger.Warn("inbound queue full, dropping frame", zap.String("peer", nodeID))
		}
	}
}

