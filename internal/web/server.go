// Package web provides the HTTP status server for the companion daemon: a
// status page, a JSON endpoint, command endpoints and a websocket live feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sweeney/companion/internal/companion"
	"github.com/sweeney/companion/internal/daemon"
	"github.com/sweeney/companion/internal/status"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxRequestBody = 4 << 10
)

// Commander runs commands against the companion.
type Commander interface {
	Do(ctx context.Context, cmd daemon.Command) (daemon.Reply, error)
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	cmd        Commander
	log        *zap.Logger
	upgrader   websocket.Upgrader

	closing   chan struct{}
	closeOnce sync.Once
	conns     sync.WaitGroup
}

// New creates a Server that reads state from the given tracker and sends
// commands through cmd. A nil cmd disables the command endpoints.
func New(addr string, tracker *status.Tracker, cmd Commander, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		tracker: tracker,
		cmd:     cmd,
		log:     log.Named("web"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		closing: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /index.json", s.handleJSON)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/emotion", s.handleEmotion)
	mux.HandleFunc("POST /api/{op}", s.handleOp)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and closes websocket feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap, s.cmd != nil); err != nil {
		s.log.Warn("render index", zap.Error(err))
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, daemon.Command{Op: daemon.Op(r.PathValue("op"))})
}

func (s *Server) handleEmotion(w http.ResponseWriter, r *http.Request) {
	var req EmotionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeCommand(w, http.StatusBadRequest, CommandResponse{Op: string(daemon.OpEmotion), Error: "invalid body: " + err.Error()})
		return
	}
	s.run(w, r, daemon.Command{
		Op:       daemon.OpEmotion,
		Emotion:  companion.Emotion(req.Emotion),
		Duration: time.Duration(req.DurationMs) * time.Millisecond,
	})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, cmd daemon.Command) {
	resp := CommandResponse{Op: string(cmd.Op)}
	if s.cmd == nil {
		resp.Error = "commands disabled"
		writeCommand(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := cmd.Validate(); err != nil {
		resp.Error = err.Error()
		code := http.StatusBadRequest
		if cmd.Op != daemon.OpEmotion && !isKnownOp(cmd.Op) {
			code = http.StatusNotFound
		}
		writeCommand(w, code, resp)
		return
	}

	reply, err := s.cmd.Do(r.Context(), cmd)
	if err != nil {
		resp.Error = err.Error()
		code := http.StatusServiceUnavailable
		if errors.Is(err, daemon.ErrInvalidCommand) {
			code = http.StatusBadRequest
		}
		writeCommand(w, code, resp)
		return
	}
	s.log.Debug("command", zap.String("op", string(cmd.Op)), zap.String("result", reply.Result))
	writeCommand(w, http.StatusOK, commandResponse(cmd.Op, reply))
}

func isKnownOp(op daemon.Op) bool {
	for _, o := range daemon.Ops {
		if o == op {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.log.Debug("websocket upgrade", zap.Error(err))
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	updates, cancel := s.tracker.Watch()
	defer cancel()

	// The read side only services control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-gone
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	send := func(snap status.Snapshot) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, status.FormatState(snap)) == nil
	}
	if !send(s.tracker.Snapshot()) {
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case snap, ok := <-updates:
			if !ok || !send(snap) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
