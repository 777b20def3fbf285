package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"manuscript-collab/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The authenticating proxy in front of the relay enforces the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sectionPayload is the JSON body of the section fetch/save endpoints.
type sectionPayload struct {
	Content string `json:"content"`
}

// NewRouter builds the relay's HTTP surface: the WebSocket upgrade endpoint
// plus the section content endpoints a client uses on load and after a
// reconnect, since missed edits are never replayed over the socket.
func NewRouter(h *Hub, store storage.Store, resolver Resolver) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{documentID}", serveWS(h, resolver)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{documentID}/sections/{section}",
		getSection(store)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{documentID}/sections/{section}",
		putSection(store)).Methods(http.MethodPut)
	return r
}

// serveWS resolves the principal, upgrades the connection, and hands the
// client to the hub. Identity failures are rejected before the upgrade.
func serveWS(h *Hub, resolver Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := mux.Vars(r)["documentID"]

		principal, err := resolver.Resolve(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "document", documentID, "err", err)
			return
		}

		client := NewClient(h, conn, documentID, principal)
		h.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}

func getSection(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		content, err := store.Section(r.Context(), vars["documentID"], vars["section"])
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "section not found", http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("section fetch failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sectionPayload{Content: content})
	}
}

func putSection(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		var payload sectionPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}

		if err := store.SaveSection(r.Context(), vars["documentID"], vars["section"], payload.Content); err != nil {
			slog.Error("section save failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
