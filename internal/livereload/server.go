// Package livereload implements the LiveReloadServer collaborator: start,
// emitUpdate, emitError, stop, serving a gorilla/websocket update channel to
// connected dev-server clients.
package livereload

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	forgeerrors "github.com/forgepack/forge/infrastructure/errors"
	"github.com/forgepack/forge/infrastructure/logging"
	"github.com/forgepack/forge/internal/httputil"
)

// StatusResponse is the dev-server's /status payload, handy for a UI overlay
// or a health check hitting the live reload port directly.
type StatusResponse struct {
	Connected int `json:"connected"`
}

// UpdatePayload is the update delta shape pushed to connected clients. The
// exact wire format beyond this shape is explicitly out of core scope.
type UpdatePayload struct {
	Type    string   `json:"type"`
	Assets  []string `json:"assets,omitempty"`
	Message string   `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the LiveReloadServer: start(opts) -> port, emitUpdate(assets),
// emitError(err), stop().
type Server struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	httpServer *http.Server
	port       int
}

// New creates a Server. Call Start to begin listening.
func New(log *logging.Logger) *Server {
	return &Server{log: log, clients: make(map[*websocket.Conn]struct{})}
}

// Start begins listening on the given host:port (0 picks any free port is
// not supported by net/http directly, so callers pass an explicit port) and
// returns the bound port.
func (s *Server) Start(hostname string, port int) (int, error) {
	router := mux.NewRouter()
	router.HandleFunc("/", s.handleWebSocket)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", hostname, port)
	s.httpServer = &http.Server{Addr: addr, Handler: router}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed && s.log != nil {
			s.log.WithError(err).Error("live reload server stopped")
		}
	}()
	s.port = port
	return port, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	connected := len(s.clients)
	s.mu.Unlock()
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{Connected: connected})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("live reload websocket upgrade failed")
		}
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// EmitUpdate pushes an update payload naming the changed asset paths to
// every connected client.
func (s *Server) EmitUpdate(changedAssets []string) {
	s.broadcast(UpdatePayload{Type: "update", Assets: changedAssets})
}

// EmitError pushes a build error to every connected client.
func (s *Server) EmitError(err error) {
	s.broadcast(UpdatePayload{Type: "error", Message: err.Error()})
}

func (s *Server) broadcast(payload UpdatePayload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil && s.log != nil {
			s.log.WithError(err).Debug("live reload broadcast failed")
		}
	}
}

// Stop closes every connected client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Close(); err != nil {
		return forgeerrors.IOError("stop live reload server", err)
	}
	return nil
}
