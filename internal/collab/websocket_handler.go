package collab

import (
	"log"
	"net/http"
	"time"

	"github.com/benbazus/qub-drive-sub000/internal/middleware"
	"github.com/benbazus/qub-drive-sub000/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin against the configured frontend host
		return true
	},
}

// WebSocketHandler upgrades HTTP requests into collaboration connections and
// attaches them to the right session.
type WebSocketHandler struct {
	registry  *Registry
	identity  IdentityResolver
	heartbeat time.Duration
}

// NewWebSocketHandler creates a new WebSocket handler. identity may be nil,
// in which case display names fall back to the query parameter or Anonymous.
func NewWebSocketHandler(registry *Registry, identity IdentityResolver, heartbeat time.Duration) *WebSocketHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &WebSocketHandler{
		registry:  registry,
		identity:  identity,
		heartbeat: heartbeat,
	}
}

// HandleDocumentConnection serves /ws/document/{id}.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	h.handleConnection(w, r, models.ResourceDocument)
}

// HandleSpreadsheetConnection serves /ws/spreadsheet/{id}.
func (h *WebSocketHandler) HandleSpreadsheetConnection(w http.ResponseWriter, r *http.Request) {
	h.handleConnection(w, r, models.ResourceSpreadsheet)
}

func (h *WebSocketHandler) handleConnection(w http.ResponseWriter, r *http.Request, kind models.ResourceKind) {
	ctx := r.Context()
	resourceID := mux.Vars(r)["id"]

	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	if userID == "" {
		userID = "anonymous"
	}
	if h.identity != nil {
		if name, err := h.identity.ResolveUser(ctx, userID); err == nil && name != "" {
			userName = name
		}
	}
	if userName == "" {
		userName = "Anonymous"
	}

	ctx, span := middleware.StartSpan(ctx, "Collab.Connect",
		attribute.String("resource.id", resourceID),
		attribute.String("resource.kind", string(kind)),
		attribute.String("user.id", userID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session, snapshot, err := h.registry.Join(ctx, resourceID, kind, models.NewUser(userID, userName))
	if err != nil {
		log.Printf("Failed to join session %s: %v", resourceID, err)
		middleware.AddSpanError(ctx, err)
		conn.Close()
		return
	}

	record := models.NewConnection(resourceID, userID, userName)
	send := make(chan []byte, sendBufferSize)
	dropped, unsubscribe, err := session.Subscribe(record.ID, userID, send)
	if err != nil {
		log.Printf("Failed to subscribe connection %s: %v", record.ID, err)
		middleware.AddSpanError(ctx, err)
		conn.Close()
		return
	}

	client := &Client{
		record:      record,
		conn:        conn,
		session:     session,
		registry:    h.registry,
		send:        send,
		dropped:     dropped,
		unsubscribe: unsubscribe,
		heartbeat:   h.heartbeat,
	}

	// The joiner always gets the current state first; a reconnecting client
	// re-renders from this snapshot rather than replaying missed frames.
	client.sendDirect(models.TypeDocumentSync, snapshot)

	go client.WritePump(ctx)
	go client.ReadPump(ctx)

	log.Printf("✓ WebSocket connection established for %s %s (user: %s)", kind, resourceID, userID)
}
