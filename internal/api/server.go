package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/catalog"
	"github.com/bryanchriswhite/DualCapture/internal/config"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/bryanchriswhite/DualCapture/internal/output"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Controller is the part of camera.Coordinator the API drives.
type Controller interface {
	OpenAll(ctx context.Context, width, height int) error
	CloseAll(ctx context.Context) error
	Close(ctx context.Context, id camera.SlotID) error
	RetryPreview(ctx context.Context, id camera.SlotID) error
	ToggleRecording(ctx context.Context) (bool, error)
	IsRecording() bool
	Snapshot() []camera.SlotStatus
	Devices(ctx context.Context) ([]camera.DeviceInfo, error)
	Subscribe() chan camera.Event
	Unsubscribe(ch chan camera.Event)
	Err() error
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	ctrl      Controller
	configMgr *config.Manager
	recs      catalog.Store
	stream    *output.MJPEGOutput
	upgrader  websocket.Upgrader
	http      *http.Server
}

// NewServer creates a new API server. configMgr, recs and stream may be nil,
// in which case their routes are not registered.
func NewServer(ctrl Controller, configMgr *config.Manager, recs catalog.Store, stream *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		ctrl:      ctrl,
		configMgr: configMgr,
		recs:      recs,
		stream:    stream,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Session control
	api.HandleFunc("/session/open", s.handleOpen).Methods("POST")
	api.HandleFunc("/session/close", s.handleCloseAll).Methods("POST")
	api.HandleFunc("/slots", s.handleGetSlots).Methods("GET")
	api.HandleFunc("/slots/{slot}/close", s.handleCloseSlot).Methods("POST")
	api.HandleFunc("/slots/{slot}/retry", s.handleRetrySlot).Methods("POST")
	api.HandleFunc("/devices", s.handleGetDevices).Methods("GET")

	// Recording
	api.HandleFunc("/recording/toggle", s.handleToggleRecording).Methods("POST")
	if s.recs != nil {
		api.HandleFunc("/recordings", s.handleGetRecordings).Methods("GET")
		api.HandleFunc("/recordings/{id}", s.handleGetRecording).Methods("GET")
	}

	// Event stream
	api.HandleFunc("/events", s.handleEvents)

	if s.configMgr != nil {
		api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	}

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Mono preview stream
	if s.stream != nil {
		s.router.HandleFunc("/stream/mono", s.stream.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/stream/mono.jpg", s.stream.GetSnapshotHandler()).Methods("GET")
		s.router.HandleFunc("/stream/mono/stats", s.stream.GetStatsHandler()).Methods("GET")
	}

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the router wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown is called
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.WithComponent("api").Info().Msgf("Starting server on http://localhost%s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Streaming
// clients are cut off when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps a coordinator error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, camera.ErrUnknownSlot):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, camera.ErrPermitTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, camera.ErrDeviceAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func slotVar(r *http.Request) (camera.SlotID, error) {
	return camera.ParseSlotID(mux.Vars(r)["slot"])
}

// HTTP Handlers

type slotsResponse struct {
	Recording bool                `json:"recording"`
	Slots     []camera.SlotStatus `json:"slots"`
}

func (s *Server) slots() slotsResponse {
	return slotsResponse{Recording: s.ctrl.IsRecording(), Slots: s.ctrl.Snapshot()}
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Width < 0 || req.Height < 0 {
		http.Error(w, "width and height must not be negative", http.StatusBadRequest)
		return
	}

	if err := s.ctrl.OpenAll(r.Context(), req.Width, req.Height); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.slots())
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CloseAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.slots())
}

func (s *Server) handleGetSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.slots())
}

func (s *Server) handleCloseSlot(w http.ResponseWriter, r *http.Request) {
	id, err := slotVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ctrl.Close(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.slots())
}

func (s *Server) handleRetrySlot(w http.ResponseWriter, r *http.Request) {
	id, err := slotVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ctrl.RetryPreview(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.slots())
}

func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.ctrl.Devices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleToggleRecording(w http.ResponseWriter, r *http.Request) {
	recording, err := s.ctrl.ToggleRecording(r.Context())
	resp := map[string]interface{}{"recording": recording}
	if err != nil {
		// Slots succeed or fail on their own, so the new state is still reported.
		resp["error"] = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRecordings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.recs.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []catalog.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.recs.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, catalog.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type snapshotMessage struct {
	Type string `json:"type"`
	slotsResponse
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	events := s.ctrl.Subscribe()
	defer s.ctrl.Unsubscribe(events)

	// Send current state first
	if err := conn.WriteJSON(snapshotMessage{Type: "snapshot", slotsResponse: s.slots()}); err != nil {
		log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	// The client never sends; reading only detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "healthy",
		"version": Version,
	}
	if err := s.ctrl.Err(); err != nil {
		resp["status"] = "terminated"
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>DualCapture</title>
    <style>
        body { font-family: sans-serif; max-width: 800px; margin: 50px auto; }
        img { max-width: 100%; background: #000; }
        code { background: #f5f5f5; padding: 2px 6px; }
    </style>
</head>
<body>
    <h1>DualCapture</h1>
    <img src="/stream/mono" alt="mono preview">
    <h3>API Endpoints:</h3>
    <ul>
        <li><a href="/api/health">/api/health</a></li>
        <li><a href="/api/slots">/api/slots</a></li>
        <li><a href="/api/devices">/api/devices</a></li>
        <li><a href="/api/recordings">/api/recordings</a></li>
        <li><a href="/api/config">/api/config</a></li>
        <li><code>POST /api/session/open</code>, <code>POST /api/session/close</code></li>
        <li><code>POST /api/recording/toggle</code></li>
        <li><code>GET /api/events</code> (websocket)</li>
    </ul>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(html))
}
