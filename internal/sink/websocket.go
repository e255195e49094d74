package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	broadcastInterval = 50 * time.Millisecond // 20 Hz batches
	maxPending        = 5000                  // ~10 s at 500 Hz
)

// Broadcaster serves samples to websocket clients in periodic JSON batches.
//
// Endpoints:
//
//	/ws          sample batches
//	/api/status  whatever Status returns, as JSON
type Broadcaster struct {
	session string
	status  func() any

	mu      sync.Mutex
	pending []wireSample

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Batch is the JSON message sent to every websocket client.
type Batch struct {
	Session string       `json:"session"`
	Samples []wireSample `json:"samples"`
	Stamp   int64        `json:"stamp"` // Unix ms
}

type wireSample struct {
	T        float64   `json:"t"` // Unix seconds
	Counter  uint32    `json:"counter"`
	Channels []float64 `json:"channels"`
}

// NewBroadcaster listens on addr and starts serving. status may be nil.
func NewBroadcaster(addr, session string, status func() any) (*Broadcaster, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		session: session,
		status:  status,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		listener: ln,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/api/status", b.handleStatus)
	b.srv = &http.Server{Handler: mux}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[sink] websocket server: %v", err)
		}
	}()
	go func() {
		defer b.wg.Done()
		b.flushLoop(ctx)
	}()

	log.Printf("[sink] websocket streamer listening on %s", ln.Addr())
	return b, nil
}

// Addr returns the address the server is bound to.
func (b *Broadcaster) Addr() string { return b.listener.Addr().String() }

// Accept queues a sample for the next batch.
func (b *Broadcaster) Accept(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= maxPending {
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, wireSample{
		T:        float64(s.Timestamp.UnixNano()) / float64(time.Second),
		Counter:  s.Counter,
		Channels: s.Channels,
	})
}

// Close stops the server and disconnects every client.
func (b *Broadcaster) Close() error {
	b.cancel()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.srv.Shutdown(shutCtx)

	b.clientsMu.Lock()
	for c := range b.clients {
		c.conn.Close()
	}
	b.clientsMu.Unlock()

	b.wg.Wait()
	return err
}

func (b *Broadcaster) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	b.clientsMu.Lock()
	b.clients[client] = struct{}{}
	n := len(b.clients)
	b.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; detects disconnect)
	go func() {
		defer func() {
			b.clientsMu.Lock()
			delete(b.clients, client)
			n := len(b.clients)
			b.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Broadcaster) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body any = map[string]string{"session": b.session}
	if b.status != nil {
		body = b.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[ws] status encode: %v", err)
	}
}

func (b *Broadcaster) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *Broadcaster) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	data, err := json.Marshal(Batch{Session: b.session, Samples: batch, Stamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	for client := range b.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
