package httpapi

import (
    "net/http"
    "time"

    "github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
    ReadBufferSize:  1024,
    WriteBufferSize: 1024,
    CheckOrigin:     func(r *http.Request) bool { return true }, // open service, secure via proxy in prod
}

// RegisterWebSocket registers the /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
    mux.HandleFunc("/stream/ws", h.handleWS)
}

// handleWS streams run events over a WebSocket. Client messages are discarded;
// the connection is one-way apart from ping/pong keepalive.
// GET /stream/ws?run_id=<id>[&types=a,b][&last_event_id=n]
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
    runID := r.URL.Query().Get("run_id")
    if runID == "" {
        http.Error(w, "run_id required", http.StatusBadRequest)
        return
    }
    conn, err := upgrader.Upgrade(w, r, nil)
    if err != nil {
        return
    }
    defer conn.Close()

    typeFilter := parseTypes(r.URL.Query().Get("types"))
    lastID := parseLastEventID(r)

    ch := h.bus.Subscribe(runID, h.buffer)
    defer h.bus.Unsubscribe(runID, ch)

    // Replay backlog
    if lastID > 0 {
        for _, evt := range h.bus.ReplaySince(runID, lastID) {
            if !h.visible(evt, typeFilter) {
                continue
            }
            if err := conn.WriteJSON(evt); err != nil {
                return
            }
        }
    }

    conn.SetReadLimit(512)
    conn.SetReadDeadline(time.Now().Add(60 * time.Second))
    conn.SetPongHandler(func(string) error {
        conn.SetReadDeadline(time.Now().Add(60 * time.Second))
        return nil
    })

    ticker := time.NewTicker(20 * time.Second)
    defer ticker.Stop()

    // Reader pump (discard client messages)
    go func() {
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
        case evt := <-ch:
            if !h.visible(evt, typeFilter) {
                continue
            }
            if err := conn.WriteJSON(evt); err != nil {
                return
            }
        case <-ticker.C:
            if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
                return
            }
        }
    }
}
