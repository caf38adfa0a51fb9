// Package dashboard serves a small HTTP + WebSocket API exposing the
// latest decoded J1939 traffic and active DTCs: a snapshot endpoint for
// polling clients and a live feed for connected WebSocket clients.
package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/serebryakov7/j1939-gateway/common"
	"github.com/serebryakov7/j1939-gateway/internal/dtcstore"
	"github.com/serebryakov7/j1939-gateway/internal/hostmodule"
	"github.com/serebryakov7/j1939-gateway/internal/msgbus"
	"github.com/serebryakov7/j1939-gateway/internal/simulator"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

var _ hostmodule.Module = (*Bridge)(nil)

// Bridge serves the dashboard's HTTP API and broadcasts every bus
// message to connected WebSocket clients.
type Bridge struct {
	Addr  string
	store *dtcstore.Store

	binding hostmodule.Binding
	server  *http.Server

	mu        sync.Mutex
	latest    map[string]simulator.TxMessage
	clients   map[*websocket.Conn]bool
	disposeTX msgbus.Disposer
	disposeRX msgbus.Disposer
}

// New creates a Bridge listening on addr, using store for the /dtcs
// endpoint.
func New(addr string, store *dtcstore.Store) *Bridge {
	return &Bridge{
		Addr:    addr,
		store:   store,
		latest:  make(map[string]simulator.TxMessage),
		clients: make(map[*websocket.Conn]bool),
	}
}

func (b *Bridge) Name() string    { return "bridge.dashboard" }
func (b *Bridge) Version() string { return "1.0.0" }

func (b *Bridge) Bind(binding hostmodule.Binding) { b.binding = binding }

func (b *Bridge) OnInit() error {
	if b.Addr == "" {
		b.Addr = ":8080"
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", b.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/snapshot", b.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/dtcs", b.handleDTCs).Methods(http.MethodGet)
	router.HandleFunc("/ws", b.handleWS)

	b.server = &http.Server{Addr: b.Addr, Handler: router}
	return nil
}

func (b *Bridge) OnStart() error {
	b.disposeTX = b.binding.Bus.Subscribe(simulator.TopicJ1939TX, b.onTXMessage)
	b.disposeRX = b.binding.Bus.Subscribe(simulator.TopicJ1939RX, b.onTXMessage)

	go func() {
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.log("ListenAndServe: %v", err)
		}
	}()
	return nil
}

func (b *Bridge) OnStop() error {
	if b.disposeTX != nil {
		b.disposeTX()
	}
	if b.disposeRX != nil {
		b.disposeRX()
	}
	return b.server.Close()
}

func (b *Bridge) onTXMessage(env msgbus.Envelope) {
	msg, ok := env.Payload.(simulator.TxMessage)
	if !ok {
		return
	}

	b.mu.Lock()
	key := fmt.Sprintf("%d-%d", msg.PGN, msg.SA)
	b.latest[key] = msg
	b.mu.Unlock()

	b.broadcast(msg)
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (b *Bridge) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	snapshot := make(map[string]simulator.TxMessage, len(b.latest))
	for k, v := range b.latest {
		snapshot[k] = v
	}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		b.log("encode snapshot: %v", err)
	}
}

func (b *Bridge) handleDTCs(w http.ResponseWriter, _ *http.Request) {
	var active []common.DTCRecord
	if b.store != nil {
		var err error
		active, err = b.store.Active()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(active); err != nil {
		b.log("encode dtcs: %v", err)
	}
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log("websocket upgrade: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (b *Bridge) broadcast(msg simulator.TxMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log("marshal broadcast message: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}

func (b *Bridge) log(format string, args ...any) {
	if b.binding.Logger != nil {
		b.binding.Logger.Printf("dashboard: "+format, args...)
	}
}
