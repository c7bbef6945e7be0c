package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// liveSendQueue bounds each client's pending messages. Position results are
// only useful fresh; a client that cannot keep up is dropped rather than
// allowed to backpressure the pipeline.
const liveSendQueue = 4

// liveMessage is one envelope on the live feed.
type liveMessage struct {
	Type    string      `json:"type"` // "ranges", "points", "imu", "cir"
	Payload interface{} `json:"payload"`
}

// liveClient is one connected live feed consumer.
type liveClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// LiveFeedHub broadcasts gateway results to connected WebSocket clients.
// It implements the same publish interface as the MQTT sink, so the
// pipeline treats both identically.
type LiveFeedHub struct {
	clients   map[string]*liveClient
	clientsMu sync.RWMutex
	metrics   *GatewayMetrics
	upgrader  websocket.Upgrader
}

// NewLiveFeedHub creates the hub.
func NewLiveFeedHub(metrics *GatewayMetrics) *LiveFeedHub {
	return &LiveFeedHub{
		clients: make(map[string]*liveClient),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades a connection and serves it until it closes.
func (h *LiveFeedHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("LIVE: WebSocket upgrade failed: %v", err)
		return
	}

	client := &liveClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, liveSendQueue),
	}

	h.clientsMu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.clientsMu.Unlock()

	log.Printf("LIVE: Client %s connected from %s (%d total)", client.id[:8], r.RemoteAddr, count)

	go h.writePump(client)
	h.readPump(client)
}

// readPump discards inbound messages; the feed is one-way. It returns when
// the connection dies, which tears the client down.
func (h *LiveFeedHub) readPump(client *liveClient) {
	defer h.dropClient(client)
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LiveFeedHub) writePump(client *liveClient) {
	defer client.conn.Close()
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *LiveFeedHub) dropClient(client *liveClient) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
	}
	count := len(h.clients)
	h.clientsMu.Unlock()
	client.conn.Close()
	log.Printf("LIVE: Client %s disconnected (%d remaining)", client.id[:8], count)
}

// broadcast fans a message out to every client, dropping any whose queue
// is full.
func (h *LiveFeedHub) broadcast(msgType string, payload interface{}) {
	h.clientsMu.RLock()
	if len(h.clients) == 0 {
		h.clientsMu.RUnlock()
		return
	}
	data, err := json.Marshal(liveMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.clientsMu.RUnlock()
		log.Printf("LIVE ERROR: Failed to marshal %s message: %v", msgType, err)
		h.metrics.publishErrors.WithLabelValues("websocket").Inc()
		return
	}

	var slow []*liveClient
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.clientsMu.RUnlock()

	for _, client := range slow {
		log.Printf("LIVE: Dropping slow client %s", client.id[:8])
		h.metrics.publishErrors.WithLabelValues("websocket").Inc()
		h.dropClient(client)
	}
}

// PublishRanges broadcasts one bias-corrected synchronized batch.
func (h *LiveFeedHub) PublishRanges(batch []RangeReport) { h.broadcast("ranges", batch) }

// PublishPoints broadcasts the solved positions for one batch.
func (h *LiveFeedHub) PublishPoints(points []PositionEstimate) { h.broadcast("points", points) }

// PublishImu broadcasts one relayed inertial report.
func (h *LiveFeedHub) PublishImu(report ImuReport) { h.broadcast("imu", report) }

// PublishCir broadcasts one converted channel impulse response window.
func (h *LiveFeedHub) PublishCir(report ConvertedCirReport) { h.broadcast("cir", report) }

// StartHTTPServer wires the HTTP surface: live feed, metrics, liveness.
// Returns the server so the caller can shut it down.
func StartHTTPServer(config *Config, hub *LiveFeedHub, pipeline *Pipeline) *http.Server {
	mux := http.NewServeMux()

	if config.Server.EnableLive && hub != nil {
		mux.HandleFunc("/ws/live", hub.HandleWebSocket)
	}
	if config.Prometheus.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		up, total := pipeline.StreamHealth()
		status := http.StatusOK
		if up == 0 {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"streams_up":%d,"streams_total":%d}`+"\n", up, total)
	})

	server := &http.Server{Addr: config.Server.Listen, Handler: mux}
	go func() {
		log.Printf("HTTP: Listening on %s", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP ERROR: %v", err)
		}
	}()
	return server
}
