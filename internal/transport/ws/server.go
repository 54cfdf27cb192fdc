// Package ws streams a player's chips over a websocket as they become
// visible.
package ws

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"roverworld.ai/internal/chips"
	"roverworld.ai/internal/game"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

// Observer is told about connects and disconnects.
type Observer interface {
	StreamOpened()
	StreamClosed()
}

type Server struct {
	g    *game.Game
	log  *log.Logger
	obs  Observer
	poll time.Duration

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewServer hooks the game's chip bus. poll bounds how long a chip that
// was written for a later instant waits before it is pushed.
func NewServer(g *game.Game, poll time.Duration, obs Observer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[ws] ", log.LstdFlags|log.Lmicroseconds)
	}
	if poll <= 0 {
		poll = time.Duration(g.Tuning().ChipFetchIntervalSecs) * time.Second
	}
	if poll <= 0 {
		poll = 10 * time.Second
	}
	s := &Server{
		g:    g,
		log:  logger,
		obs:  obs,
		poll: poll,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: map[string]map[chan struct{}]struct{}{},
	}
	g.Bus().OnAppend(func(c *store.Ctx, ch chips.Chip) {
		userID := ch.UserID
		c.AfterCommit(func() { s.notify(userID) })
	})
	return s
}

func (s *Server) subscribe(userID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	if s.subs[userID] == nil {
		s.subs[userID] = map[chan struct{}]struct{}{}
	}
	s.subs[userID][ch] = struct{}{}
	return ch
}

func (s *Server) unsubscribe(userID string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[userID], ch)
	if len(s.subs[userID]) == 0 {
		delete(s.subs, userID)
	}
}

func (s *Server) notify(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Handler upgrades a request carrying X-Player-ID (or ?player=) and an
// optional ?since= chip time.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-Player-ID"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("player"))
		}
		if userID == "" {
			http.Error(rw, "missing player", http.StatusUnauthorized)
			return
		}
		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				http.Error(rw, "bad since", http.StatusBadRequest)
				return
			}
			since = n
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if s.obs != nil {
			s.obs.StreamOpened()
			defer s.obs.StreamClosed()
		}

		wake := s.subscribe(userID)
		defer s.unsubscribe(userID, wake)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		idle := 3 * s.poll
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(idle))
		})

		// Writer goroutine. Closing the conn on exit unblocks the reader.
		go func() {
			defer conn.Close()
			defer cancel()
			ticker := time.NewTicker(s.poll)
			defer ticker.Stop()
			for {
				next, err := s.push(ctx, conn, userID, since)
				if err != nil {
					if ctx.Err() == nil {
						s.log.Printf("warn: stream %s: %v", userID, err)
					}
					return
				}
				since = next
				select {
				case <-ctx.Done():
					return
				case <-wake:
				case <-ticker.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						return
					}
				}
			}
		}()

		// Clients send nothing but control frames.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}
}

// push writes the chips after since and returns the new high-water mark.
func (s *Server) push(ctx context.Context, conn *websocket.Conn, userID string, since int64) (int64, error) {
	cs, err := s.g.FetchChips(ctx, userID, since)
	if err != nil || len(cs) == 0 {
		return since, err
	}
	if err := writeJSON(conn, protocol.ChipsResp{Chips: chips.WireAll(cs)}); err != nil {
		return since, err
	}
	return cs[len(cs)-1].Time, nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
