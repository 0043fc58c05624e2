package websocket

import (
	"net/http"
	"strings"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/infographic/internal/poller"
)

// HandleTaskStream returns an HTTP handler that upgrades the connection and
// streams the status of the task named by the taskId query parameter.
func HandleTaskStream(hub *Hub, checker poller.Checker, opts ...poller.Option) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := strings.TrimSpace(r.URL.Query().Get("taskId"))
		if taskID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"taskId is required"}`))
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // The web client may be served from another origin
		})
		if err != nil {
			hub.logger.Warn("websocket accept", "error", err)
			return
		}

		hub.logger.Debug("task stream opened", "task_id", taskID)
		NewClient(hub, conn, checker, opts...).Run(r.Context(), taskID)
	}
}
