package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"portalskies.ai/internal/persistence/indexdb"
	"portalskies.ai/internal/protocol"
)

// TransitQuerier is the read side of the transit index.
type TransitQuerier interface {
	RecentTransits(ctx context.Context, code string, limit int) ([]indexdb.TransitRow, error)
}

// Server fans transit events and status snapshots out to websocket observers.
type Server struct {
	log zerolog.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.RWMutex
	subs map[string]*session

	dropped atomic.Uint64
}

type session struct {
	mu  sync.Mutex
	sub protocol.SubscribeMsg
	out chan []byte
}

func (s *session) filter() protocol.SubscribeMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func NewServer(logger zerolog.Logger) *Server {
	return &Server{
		log:  logger,
		subs: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Subscribers is the number of connected observers.
func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped counts messages discarded because an observer fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Transit publishes ev to every observer whose filter matches.
func (s *Server) Transit(ev protocol.TransitEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.publish(b, func(sub protocol.SubscribeMsg) bool { return sub.Matches(ev) })
}

// Status publishes a status snapshot to observers that asked for it.
func (s *Server) Status(msg protocol.StatusMsg) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.publish(b, func(sub protocol.SubscribeMsg) bool { return sub.Status })
}

func (s *Server) publish(b []byte, want func(protocol.SubscribeMsg) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.subs {
		if !want(sess.filter()) {
			continue
		}
		select {
		case sess.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sess := &session{sub: sub, out: make(chan []byte, 256)}
		s.mu.Lock()
		s.subs[sid] = sess
		s.mu.Unlock()
		s.log.Debug().Str("session", sid).Strs("partitions", sub.Partitions).Msg("observer joined")
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
			s.log.Debug().Str("session", sid).Msg("observer left")
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := decodeSubscribe(msg); ok {
				sess.mu.Lock()
				sess.sub = sub
				sess.mu.Unlock()
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// TransitsHandler serves recent indexed attempts as JSON.
func (s *Server) TransitsHandler(q TransitQuerier) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if q == nil {
			http.Error(rw, "index disabled", http.StatusServiceUnavailable)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		code := r.URL.Query().Get("code")
		if !protocol.IsKnownCode(code) {
			http.Error(rw, "unknown code", http.StatusBadRequest)
			return
		}
		rows, err := q.RecentTransits(r.Context(), code, limit)
		if err != nil {
			s.log.Error().Err(err).Msg("query transits")
			http.Error(rw, "query failed", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []indexdb.TransitRow{}
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(rows)
	}
}

func decodeSubscribe(b []byte) (protocol.SubscribeMsg, bool) {
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(b, &sub); err != nil {
		return sub, false
	}
	if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.Version {
		return sub, false
	}
	for i, p := range sub.Partitions {
		sub.Partitions[i] = strings.TrimSpace(p)
	}
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
