package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/orchestrator"
)

// chunkEvent is the payload of one streamed reply chunk.
type chunkEvent struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
}

// handleStream runs one turn and streams the reply as server-sent events:
// a "chunk" event per reply chunk followed by a "done" event.
func handleStream(o *orchestrator.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, err)
			return
		}
		id := c.Param("id")

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		ctx := c.Request.Context()
		for chunk := range o.HandleMessageStreaming(ctx, req.OriginID, id, req.Text) {
			writeSSE(c.Writer, "chunk", chunkEvent{ThreadID: id, Text: chunk})
			c.Writer.Flush()
			if ctx.Err() != nil {
				return
			}
		}
		writeSSE(c.Writer, "done", map[string]string{"thread_id": id})
		c.Writer.Flush()
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
