package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/walkerhughes/agent-sandboxing/internal/app/delivery"
	"github.com/walkerhughes/agent-sandboxing/internal/infra/observability"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
	id "github.com/walkerhughes/agent-sandboxing/internal/shared/utils/id"
)

const (
	protocolSSE       = "sse"
	protocolWebsocket = "websocket"

	wsWriteTimeout = 10 * time.Second
)

// resumePosition reads how many status updates the observer has already
// seen: the SSE Last-Event-ID header, or the "from" query parameter.
func resumePosition(r *http.Request) int {
	for _, raw := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("from")} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

// streamSSE relays the task's event stream as server-sent events. Each event
// id is the observer's position so a reconnect resumes without duplicates.
func (h *handler) streamSSE(c *gin.Context) {
	taskID := c.Param("id")
	ctx := id.WithTaskID(c.Request.Context(), taskID)
	logger := logging.FromContext(ctx, h.logger)

	events, err := h.streams.Subscribe(ctx, taskID, delivery.ResumeFrom(resumePosition(c.Request)))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	closed := h.metrics.StreamOpened(protocolSSE)
	defer closed()
	_, span := h.tracer.StartSpan(ctx, observability.SpanStreamObserver, attribute.String(observability.AttrStreamProto, protocolSSE))
	defer span.End()

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	logger.Info("[SSE] observer connected to task %s", taskID)
	defer logger.Debug("[SSE] observer of task %s detached", taskID)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				logger.Warn("[SSE] write to observer of task %s failed: %v", taskID, err)
				return
			}
			w.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			w.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w gin.ResponseWriter, event delivery.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Position, event.Type, data)
	return err
}

// streamWebsocket relays the same stream over a websocket. The subscription
// is made before the upgrade so unknown tasks still get a JSON 404.
func (h *handler) streamWebsocket(c *gin.Context) {
	taskID := c.Param("id")
	ctx, cancel := context.WithCancel(id.WithTaskID(c.Request.Context(), taskID))
	defer cancel()
	logger := logging.FromContext(ctx, h.logger)

	events, err := h.streams.Subscribe(ctx, taskID, delivery.ResumeFrom(resumePosition(c.Request)))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("[WS] upgrade for task %s failed: %v", taskID, err)
		return
	}
	defer conn.Close()

	closed := h.metrics.StreamOpened(protocolWebsocket)
	defer closed()
	_, span := h.tracer.StartSpan(ctx, observability.SpanStreamObserver, attribute.String(observability.AttrStreamProto, protocolWebsocket))
	defer span.End()
	logger.Info("[WS] observer connected to task %s", taskID)

	// The read side only exists to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				closeWebsocket(conn, logger, taskID)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				logger.Debug("[WS] set write deadline for task %s: %v", taskID, err)
			}
			if err := conn.WriteJSON(event); err != nil {
				logger.Warn("[WS] write to observer of task %s failed: %v", taskID, err)
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				logger.Debug("[WS] ping to observer of task %s failed: %v", taskID, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// closeWebsocket sends a normal closure once the stream has ended. The peer
// may already be gone.
func closeWebsocket(conn *websocket.Conn, logger logging.Logger, taskID string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout)); err != nil {
		logger.Debug("[WS] close handshake with observer of task %s: %v", taskID, err)
	}
}
