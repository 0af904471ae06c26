package handler

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced at the router level; the upgrade request
		// carries the session cookie like any other API call.
		return true
	},
}

// StartPreview ensures a dev server is running and returns its public URL.
func (h *Handler) StartPreview(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	result, err := h.previewer.StartPreview(r.Context(), project.ID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, result)
}

// GetPreviewLogs returns the current tail of the dev server log.
func (h *Handler) GetPreviewLogs(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	tail, err := h.previewer.PreviewLogTail(r.Context(), project.ID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	if tail == nil {
		h.Error(w, http.StatusNotFound, "No dev server log available")
		return
	}
	h.JSON(w, http.StatusOK, tail)
}

// StreamPreviewLogs streams dev server log tails over a WebSocket. Each
// message is the full redacted tail; the client replaces its view rather
// than appending. The stream ends when the client disconnects or the log
// disappears.
func (h *Handler) StreamPreviewLogs(w http.ResponseWriter, r *http.Request) {
	project, ok := h.ownedProject(w, r)
	if !ok {
		return
	}

	conn, err := logStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("preview: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastOutput string
	for {
		tail, err := h.previewer.PreviewLogTail(r.Context(), project.ID)
		if err != nil || tail == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "log unavailable"),
				time.Now().Add(time.Second))
			return
		}

		if tail.Output != lastOutput {
			if err := conn.WriteJSON(tail); err != nil {
				return
			}
			lastOutput = tail.Output
		}

		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
