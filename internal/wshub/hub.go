// Package wshub implements the websocket fan-in/fan-out between
// downstream end-clients and the upstream bridge sockets the hub itself
// owns, one per worker: a hub that is itself a websocket client to its
// backends, not just a server to its frontends. The pump goroutine pair
// and ping/pong deadlines below follow the standard gorilla
// read/write pump idiom.
package wshub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loadbalancer/lbproxy/internal/dynjson"
	"github.com/loadbalancer/lbproxy/internal/jobstore"
	"github.com/loadbalancer/lbproxy/internal/workerpool"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 8 << 20
	reconnectBackoff = 2 * time.Second
	closeGrace       = 5 * time.Second
)

// systemClassTypes are the frame types allowed to fall back to
// worker-association broadcast when no more precise target is known,
// to avoid leaking frames between tenants sharing a worker.
var systemClassTypes = map[string]bool{
	"status":            true,
	"exec_info":         true,
	"progress":          true,
	"executed":          true,
	"execution_start":   true,
	"execution_success": true,
	"execution_error":   true,
	"executing":         true,
}

// JobLookup resolves a worker-issued job id back to its owning balancer
// job, so upstream frames can be translated and routed.
type JobLookup interface {
	GetByWorkerJobID(workerJobID string) (jobstore.Job, bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// downstream is one end-client's socket. done is closed (never send) to
// tell the write pump to exit on reconnect, keeping that signal separate
// from send so a stale sendTo reference can never write on a closed channel.
type downstream struct {
	clientID string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
}

// upstreamBridge is WSHub's own socket to one worker, identified by a
// stable LB_BRIDGE_<workerName> session id reused across every job
// submitted to that worker.
type upstreamBridge struct {
	workerName string
	sid        string
	cancel     context.CancelFunc
}

// Hub owns every downstream client socket and every upstream bridge
// socket, and serializes all access to both maps under one lock.
type Hub struct {
	mu          sync.Mutex
	downstreams map[string]*downstream          // clientId -> socket
	bridges     map[string]*upstreamBridge       // workerName -> bridge
	assoc       map[string]map[string]struct{}   // workerName -> set of clientIds
	jobs        JobLookup

	dialer *websocket.Dialer
}

// New builds an empty Hub.
func New(jobs JobLookup) *Hub {
	return &Hub{
		downstreams: make(map[string]*downstream),
		bridges:     make(map[string]*upstreamBridge),
		assoc:       make(map[string]map[string]struct{}),
		jobs:        jobs,
		dialer:      websocket.DefaultDialer,
	}
}

// BridgeSID returns the deterministic session id WSHub uses for a
// worker's upstream bridge; Dispatcher passes this through Submit so
// the worker addresses progress frames to the bridge.
func BridgeSID(workerName string) string { return "LB_BRIDGE_" + workerName }

// ServeDownstream upgrades an incoming request into a downstream
// client socket keyed by clientID.
func (h *Hub) ServeDownstream(w http.ResponseWriter, r *http.Request, clientID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	d := &downstream{clientID: clientID, conn: conn, send: make(chan []byte, 64), done: make(chan struct{})}
	h.mu.Lock()
	if old, ok := h.downstreams[clientID]; ok {
		close(old.done)
	}
	h.downstreams[clientID] = d
	h.mu.Unlock()

	go h.downstreamWritePump(d)
	go h.downstreamReadPump(d)
	return nil
}

func (h *Hub) downstreamReadPump(d *downstream) {
	defer func() {
		h.mu.Lock()
		if h.downstreams[d.clientID] == d {
			delete(h.downstreams, d.clientID)
		}
		h.mu.Unlock()
		d.conn.Close()
	}()

	d.conn.SetReadLimit(maxMessageSize)
	_ = d.conn.SetReadDeadline(time.Now().Add(pongWait))
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := d.conn.ReadMessage()
		if err != nil {
			return
		}
		// Downstream text frames carry no semantic meaning to the
		// balancer; they exist to keep the connection alive.
		log.Printf("wshub: downstream %s sent frame (%d bytes), discarding", d.clientID, len(msg))
	}
}

func (h *Hub) downstreamWritePump(d *downstream) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		d.conn.Close()
	}()

	for {
		select {
		case <-d.done:
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = d.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-d.send:
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// RegisterWorker starts a reconnecting upstream bridge reader for w.
// Idempotent: calling it again for an already-registered worker is a no-op.
func (h *Hub) RegisterWorker(w workerpool.Snapshot) {
	h.mu.Lock()
	if _, ok := h.bridges[w.Name]; ok {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &upstreamBridge{workerName: w.Name, sid: BridgeSID(w.Name), cancel: cancel}
	h.bridges[w.Name] = b
	h.mu.Unlock()

	go h.runUpstreamBridge(ctx, b, w.WSURL)
}

// UnregisterWorker cancels the reader and closes the bridge for a
// destroyed worker.
func (h *Hub) UnregisterWorker(workerName string) {
	h.mu.Lock()
	b, ok := h.bridges[workerName]
	if ok {
		delete(h.bridges, workerName)
	}
	delete(h.assoc, workerName)
	h.mu.Unlock()
	if ok {
		b.cancel()
	}
}

// runUpstreamBridge dials wsURL and consumes frames until ctx is
// cancelled, reconnecting on every close/error with a fixed backoff.
func (h *Hub) runUpstreamBridge(ctx context.Context, b *upstreamBridge, wsURL string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := h.dialer.DialContext(ctx, wsURL+"?clientId="+b.sid, nil)
		if err != nil {
			log.Printf("wshub: dial %s failed: %v", b.workerName, err)
			if !sleepOrDone(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		log.Printf("wshub: upstream bridge connected to %s", b.workerName)
		h.consumeUpstream(ctx, b, conn)
		conn.Close()

		if !sleepOrDone(ctx, reconnectBackoff) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (h *Hub) consumeUpstream(ctx context.Context, b *upstreamBridge, conn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	defer close(done)

	_ = conn.SetReadLimit(maxMessageSize)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			h.routeBinary(b.workerName, data)
			continue
		}
		h.routeText(b.workerName, b.sid, data)
	}
}

// routeBinary delivers preview/image frames to every downstream client
// known to have an active job on this worker.
func (h *Hub) routeBinary(workerName string, data []byte) {
	for _, clientID := range h.associatedClients(workerName) {
		h.sendTo(clientID, data)
	}
}

// routeText parses a structured frame, resolves its target clientId,
// rewrites ids, tags the backend, and forwards it.
func (h *Hub) routeText(workerName, bridgeSID string, data []byte) {
	frame, err := dynjson.Parse(data)
	if err != nil {
		log.Printf("wshub: malformed frame from %s: %v", workerName, err)
		return
	}

	workerJobID := frame.PromptID()
	sid := frame.SID()

	var targetClient string
	if workerJobID != "" {
		if job, ok := h.jobs.GetByWorkerJobID(workerJobID); ok {
			targetClient = job.ClientID
			frame.SetPromptID(workerJobID, job.ID)
		}
	}
	if targetClient == "" && sid != "" && sid != bridgeSID {
		targetClient = sid
	}

	frame["_backend"] = workerName

	if targetClient != "" {
		h.recordAssociation(workerName, targetClient)
		if sid != "" {
			frame.SetSID(targetClient)
		}
		out, err := frame.Marshal()
		if err != nil {
			return
		}
		h.sendTo(targetClient, out)
		return
	}

	if !systemClassTypes[frame.Type()] {
		return
	}
	out, err := frame.Marshal()
	if err != nil {
		return
	}
	for _, clientID := range h.associatedClients(workerName) {
		out2 := out
		if sid != "" {
			variant := frame.WithField("sid", clientID)
			if b, err := variant.Marshal(); err == nil {
				out2 = b
			}
		}
		h.sendTo(clientID, out2)
	}
}

func (h *Hub) recordAssociation(workerName, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.assoc[workerName]
	if !ok {
		set = make(map[string]struct{})
		h.assoc[workerName] = set
	}
	set[clientID] = struct{}{}
}

func (h *Hub) associatedClients(workerName string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.assoc[workerName]
	out := make([]string, 0, len(set))
	for clientID := range set {
		out = append(out, clientID)
	}
	return out
}

func (h *Hub) sendTo(clientID string, msg []byte) {
	h.mu.Lock()
	d, ok := h.downstreams[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case d.send <- msg:
	default:
		log.Printf("wshub: send buffer full for client %s, dropping frame", clientID)
	}
}

// Broadcast delivers frame to every connected downstream socket,
// best-effort: a full send buffer just drops the frame for that client.
func (h *Hub) Broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("wshub: broadcast marshal error: %v", err)
		return
	}
	h.mu.Lock()
	clients := make([]string, 0, len(h.downstreams))
	for id := range h.downstreams {
		clients = append(clients, id)
	}
	h.mu.Unlock()
	for _, id := range clients {
		h.sendTo(id, data)
	}
}

// Shutdown stops accepting new work and cancels every upstream bridge,
// waiting up to closeGrace for downstream sockets to drain.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	bridges := make([]*upstreamBridge, 0, len(h.bridges))
	for _, b := range h.bridges {
		bridges = append(bridges, b)
	}
	downs := make([]*downstream, 0, len(h.downstreams))
	for _, d := range h.downstreams {
		downs = append(downs, d)
	}
	h.mu.Unlock()

	for _, b := range bridges {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		for _, d := range downs {
			d.conn.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
	}
}
