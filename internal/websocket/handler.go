package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"fauxnetd/internal/config"
	apierrors "fauxnetd/internal/errors"
	"fauxnetd/internal/middleware"
)

// Handler upgrades /ws requests and attaches the connection to the hub
type Handler struct {
	hub      *Hub
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	errors   *apierrors.ErrorHandler
	logger   *slog.Logger
}

// NewHandler creates an upgrade handler. An empty allowedOrigins accepts any origin.
func NewHandler(hub *Hub, cfg config.WebSocketConfig, allowedOrigins []string, errs *apierrors.ErrorHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if errs == nil {
		errs = apierrors.NewErrorHandler(logger, false)
	}
	h := &Handler{
		hub:    hub,
		cfg:    cfg,
		errors: errs,
		logger: logger.With(slog.String("handler", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     originChecker(allowedOrigins),
		Error:           h.upgradeFailed,
	}
	return h
}

// ServeHTTP handles GET /ws
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgradeFailed has already answered and logged the request
		return
	}

	client := NewClient(h.hub, NewConnectionWrapper(conn), middleware.Principal(r), h.cfg, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// upgradeFailed answers a rejected handshake with a problem document
func (h *Handler) upgradeFailed(w http.ResponseWriter, r *http.Request, status int, reason error) {
	base := apierrors.ErrWebSocketUpgrade
	h.errors.HandleError(w, r, apierrors.NewWithDetails(status, base.ErrorCode, base.Message, reason.Error()))
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] {
			return true
		}
		if set[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
