package call

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/silviot/webchat_calls_go/pkg/chatapi"
	"github.com/silviot/webchat_calls_go/pkg/overlay"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the control API only listens locally
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber streams overlay snapshots
type Subscriber interface {
	Subscribe() (<-chan overlay.Snapshot, func())
}

// ConnChecker reports relay connectivity
type ConnChecker interface {
	IsConnected() bool
}

// PeerCounter reports open peer connections
type PeerCounter interface {
	PeerCount() int
}

// API is the local HTTP control surface of the call manager
type API struct {
	m      *Manager
	subs   Subscriber
	relay  ConnChecker
	peers  PeerCounter
	logger *slog.Logger
}

// NewAPI creates the control API. subs, relay and peers may be nil.
func NewAPI(m *Manager, subs Subscriber, relay ConnChecker, peers PeerCounter, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{m: m, subs: subs, relay: relay, peers: peers, logger: logger}
}

// StartCallRequest is the body of POST /api/v1/call
type StartCallRequest struct {
	ChatID string `json:"chatId"`
	Type   string `json:"type"`
}

// Router returns the chi router serving the API
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.HandleHealth)

	r.Route("/api/v1/call", func(r chi.Router) {
		r.Get("/", a.HandleGetCall)
		r.Post("/", a.HandleStartCall)
		r.Delete("/", a.HandleEndCall)
		r.Post("/mic", a.HandleToggleMic)
		r.Post("/cam", a.HandleToggleCam)
		r.Get("/events", a.HandleEvents)
	})

	return r
}

// HandleStartCall handles POST /api/v1/call
func (a *API) HandleStartCall(w http.ResponseWriter, r *http.Request) {
	var req StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId required")
		return
	}
	callType, err := ParseCallType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := a.m.InitiateCall(r.Context(), req.ChatID, callType)
	if err != nil {
		a.logger.Error("failed to start call", "chatID", req.ChatID, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

// HandleEndCall handles DELETE /api/v1/call
func (a *API) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	if err := a.m.EndCall(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// HandleGetCall handles GET /api/v1/call
func (a *API) HandleGetCall(w http.ResponseWriter, r *http.Request) {
	info, active := a.m.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  active,
		"call":    info,
		"overlay": a.m.Snapshot(),
	})
}

// HandleToggleMic handles POST /api/v1/call/mic
func (a *API) HandleToggleMic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"muted": a.m.ToggleMic()})
}

// HandleToggleCam handles POST /api/v1/call/cam
func (a *API) HandleToggleCam(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"muted": a.m.ToggleCam()})
}

// HandleHealth handles GET /healthz
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	connected := false
	if a.relay != nil {
		connected = a.relay.IsConnected()
	}
	peers := 0
	if a.peers != nil {
		peers = a.peers.PeerCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"state":          a.m.State(),
		"relayConnected": connected,
		"peers":          peers,
	})
}

// HandleEvents handles GET /api/v1/call/events: a websocket carrying every
// overlay snapshot as JSON
func (a *API) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if a.subs == nil {
		writeError(w, http.StatusNotFound, "events not available")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	snaps, cancel := a.subs.Subscribe()
	defer cancel()

	// drain client frames so close and ping are processed
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				a.logger.Debug("events client gone", "error", err)
				return
			}
		}
	}
}

// Handler returns Router wrapped in CORS handling for the given browser
// origins. With no origins the router is returned as is.
func (a *API) Handler(origins []string) http.Handler {
	router := a.Router()
	if len(origins) == 0 {
		return router
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})
	return c.Handler(router)
}

// statusFor maps manager errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotReady),
		errors.Is(err, ErrInvalidCallType),
		errors.Is(err, chatapi.ErrNoCallee),
		errors.Is(err, chatapi.ErrGroupChat):
		return http.StatusBadRequest
	case errors.Is(err, ErrCallInProgress), errors.Is(err, ErrSessionEnded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
