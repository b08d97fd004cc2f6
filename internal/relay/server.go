// Package relay is the websocket broadcast hub. It implements the minimum
// viable subset of RFC6455 the system needs: handshake, text/close/ping
// frames, client unmasking, broadcast, and a replay cache for late joiners.
// It has no knowledge of speech semantics; inbound payloads are handed to an
// injected callback.
package relay

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/mouthpiece/internal/observability"
	"github.com/ent0n29/mouthpiece/internal/protocol"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const replayCacheCap = 64

// Config tunes one relay server.
type Config struct {
	// WSPath is the websocket endpoint path, default "/ws".
	WSPath string
	// StaticDir optionally serves UI assets on the same port.
	StaticDir string
	// RelayPayloads rebroadcasts inbound payloads to every other socket.
	RelayPayloads bool
}

// Server tracks live sockets and fans payloads out to them.
type Server struct {
	cfg       Config
	metrics   *observability.Metrics
	onPayload func(any)
	status    func() any

	mu    sync.Mutex
	socks map[*sock]struct{}
	cache *replayCache
}

// New builds a relay. onPayload receives every decoded inbound payload before
// any relaying happens; status feeds the /v1/tts/status endpoint and may be
// nil.
func New(cfg Config, metrics *observability.Metrics, onPayload func(any), status func() any) *Server {
	if strings.TrimSpace(cfg.WSPath) == "" {
		cfg.WSPath = "/ws"
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		cfg.WSPath = "/" + cfg.WSPath
	}
	return &Server{
		cfg:       cfg,
		metrics:   metrics,
		onPayload: onPayload,
		status:    status,
		socks:     make(map[*sock]struct{}),
		cache:     newReplayCache(replayCacheCap),
	}
}

// Router mounts the websocket endpoint next to the operational surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get(s.cfg.WSPath, s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, req)
	})
	r.Get("/v1/tts/status", func(w http.ResponseWriter, _ *http.Request) {
		if s.status == nil {
			respondJSON(w, http.StatusNotFound, map[string]any{"error": "tts disabled"})
			return
		}
		respondJSON(w, http.StatusOK, s.status())
	})
	if strings.TrimSpace(s.cfg.StaticDir) != "" {
		files := http.FileServer(http.Dir(s.cfg.StaticDir))
		r.Handle("/*", noStore(files))
	}
	return r
}

// Broadcast serializes the payload once and writes it to every live socket.
func (s *Server) Broadcast(payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	s.broadcastRaw(data, nil)
	return true
}

// ClientCount reports the number of live sockets.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.socks)
}

// CloseAll tears every connection down; used on shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	socks := make([]*sock, 0, len(s.socks))
	for k := range s.socks {
		socks = append(socks, k)
	}
	s.mu.Unlock()
	for _, k := range socks {
		s.dropSock(k)
	}
}

// acceptKey computes the RFC6455 Sec-WebSocket-Accept value.
func acceptKey(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		return
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		log.Printf("relay hijack failed: %v", err)
		return
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"
	if _, err := conn.Write([]byte(response)); err != nil {
		_ = conn.Close()
		return
	}

	k := &sock{conn: conn}
	s.mu.Lock()
	s.socks[k] = struct{}{}
	cached := s.cache.snapshot()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(s.ClientCount()))
	}

	// Replay cached state so the new client's UI is not blank until the next
	// event.
	for _, payload := range cached {
		if err := k.write(encodeFrame(opText, payload)); err != nil {
			s.dropSock(k)
			return
		}
		if s.metrics != nil {
			s.metrics.ReplayedPayloads.Inc()
		}
	}

	go s.readLoop(k, brw.Reader)
}

func (s *Server) readLoop(k *sock, r *bufio.Reader) {
	defer s.dropSock(k)

	for {
		f, err := readFrame(r)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				log.Printf("relay: frame too large; closing connection")
				s.countFrameError("too_large")
			}
			return
		}

		// Fragmented frames are not reassembled; a stated limitation of this
		// protocol subset.
		if !f.fin {
			log.Printf("relay: fragmented frames are not supported")
			s.countFrameError("fragmented")
			continue
		}

		switch f.opcode {
		case opClose:
			_ = k.write(encodeFrame(opClose, nil))
			return
		case opPing:
			_ = k.write(encodeFrame(opPong, f.payload))
		case opText:
			s.handleText(k, f.payload)
		}
	}
}

// handleText hands the decoded payload to the callback, then rebroadcasts it
// to every other socket when relaying is enabled. Malformed JSON drops the
// frame without closing the connection.
func (s *Server) handleText(k *sock, data []byte) {
	parsed, err := protocol.ParseClientPayload(data)
	if err != nil {
		log.Printf("relay: invalid JSON payload: %v", err)
		s.countFrameError("bad_json")
		return
	}

	// Say requests get their identity stamped at the edge so the arbiter and
	// every relayed copy carry the same message_id and revision.
	if say, ok := parsed.(protocol.Say); ok {
		say = protocol.NormalizeSay(say, time.Now())
		parsed = say
		if stamped, err := json.Marshal(say); err == nil {
			data = stamped
		}
	}

	if s.onPayload != nil {
		s.onPayload(parsed)
	}
	if s.cfg.RelayPayloads {
		s.broadcastRaw(data, k)
	}
}

func (s *Server) broadcastRaw(data []byte, exclude *sock) {
	s.mu.Lock()
	s.cache.remember(replayKey(data), data)
	socks := make([]*sock, 0, len(s.socks))
	for k := range s.socks {
		if k == exclude {
			continue
		}
		socks = append(socks, k)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		var probe payloadProbe
		label := "unknown"
		if err := json.Unmarshal(data, &probe); err == nil && probe.Type != "" {
			label = string(probe.Type)
		}
		s.metrics.BroadcastMessages.WithLabelValues(label).Inc()
	}

	frame := encodeFrame(opText, data)
	for _, k := range socks {
		if err := k.write(frame); err != nil {
			s.dropSock(k)
		}
	}
}

func (s *Server) dropSock(k *sock) {
	s.mu.Lock()
	_, present := s.socks[k]
	delete(s.socks, k)
	s.mu.Unlock()
	if !present {
		return
	}
	k.destroy()
	if s.metrics != nil {
		s.metrics.ConnectedClients.Set(float64(s.ClientCount()))
	}
}

func (s *Server) countFrameError(kind string) {
	if s.metrics != nil {
		s.metrics.FrameErrors.WithLabelValues(kind).Inc()
	}
}

// sock serializes writes to one connection. Write failures surface as errors
// and the caller destroys the socket; peers are never affected.
type sock struct {
	conn net.Conn

	writeMu sync.Mutex
	closed  bool
}

func (k *sock) write(b []byte) error {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if k.closed {
		return net.ErrClosed
	}
	_, err := k.conn.Write(b)
	return err
}

func (k *sock) destroy() {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	if k.closed {
		return
	}
	k.closed = true
	_ = k.conn.Close()
}

func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
