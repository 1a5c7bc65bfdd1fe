// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dagrun

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/dagrun/services/dagrun/dag"
	"github.com/AleutianAI/dagrun/services/dagrun/events"
	"github.com/AleutianAI/dagrun/services/dagrun/executor"
	"github.com/AleutianAI/dagrun/services/dagrun/history"
	"github.com/AleutianAI/dagrun/services/dagrun/parser"
)

const (
	// wsWriteTimeout bounds a single websocket write.
	wsWriteTimeout = 5 * time.Second

	defaultFormat = string(parser.FormatXML)
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// RunResponse is the body returned for a finished run.
type RunResponse struct {
	RunID      string `json:"run_id"`
	Name       string `json:"name,omitempty"`
	Nodes      int    `json:"nodes"`
	HasFailed  bool   `json:"has_failed"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func newRunResponse(resp executor.Response) RunResponse {
	out := RunResponse{
		RunID:      resp.RunID,
		Name:       resp.Name,
		Nodes:      resp.Nodes,
		HasFailed:  resp.HasFailed,
		DurationMs: resp.Duration.Milliseconds(),
	}
	if resp.Err != nil {
		out.Error = resp.Err.Error()
	}
	return out
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleSubmitRun accepts a DAG description.
//
// Query parameters:
//
//	format - xml, yaml or yml. Defaults from Content-Type, then xml.
//	wait - when true, respond after the run completes (200); otherwise
//	       respond immediately with the run id (202).
//
// Validation failures return 400 and nothing runs.
func HandleSubmitRun(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c, svc)
		if !ok {
			return
		}
		format := requestFormat(c)
		wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))

		// The run outlives the request unless the caller waits for it.
		ctx := context.WithoutCancel(c.Request.Context())
		run, err := svc.ProcessRequest(ctx, format, body)
		if err != nil {
			writeSubmitError(c, err)
			return
		}

		if !wait {
			c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID()})
			return
		}

		resp, err := run.Wait(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"run_id": run.ID(), "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, newRunResponse(resp))
	}
}

// HandleValidate parses a description without running it.
func HandleValidate(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c, svc)
		if !ok {
			return
		}
		d, err := svc.Parse(requestFormat(c), body)
		if err != nil {
			writeSubmitError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"name":  d.Name(),
			"nodes": d.Len(),
			"edges": d.EdgeCount(),
			"roots": d.Roots(),
		})
	}
}

// HandleGetRun returns a run's record, or its running status.
func HandleGetRun(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")

		if run, ok := svc.Active(runID); ok {
			if resp, done := run.Result(); done {
				c.JSON(http.StatusOK, newRunResponse(resp))
				return
			}
			c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "running"})
			return
		}

		rec, err := svc.Run(c.Request.Context(), runID)
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			slog.Error("history lookup failed", "run_id", runID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
			return
		}
		c.JSON(http.StatusOK, RunResponse{
			RunID:      rec.RunID,
			Name:       rec.Name,
			Nodes:      rec.Nodes,
			HasFailed:  rec.HasFailed,
			DurationMs: rec.Duration.Milliseconds(),
			Error:      rec.Error,
		})
	}
}

// HandleListRuns returns recent run records, newest first.
func HandleListRuns(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(history.DefaultListLimit)))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		records, err := svc.Runs(c.Request.Context(), limit)
		if err != nil {
			slog.Error("history list failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history list failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": records})
	}
}

// HandleRunEvents streams a run's events over a websocket as JSON messages.
// The connection closes after the run's completion event.
func HandleRunEvents(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		sub := svc.Subscribe(runID)
		defer sub.Close()

		// Reads only detect the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case ev, ok := <-sub.Events():
				if !ok {
					_ = ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run completed"),
						time.Now().Add(wsWriteTimeout))
					return
				}
				if err := writeEvent(ws, ev); err != nil {
					slog.Warn("failed to write websocket event", "run_id", runID, "error", err)
					return
				}
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, ev events.Event) error {
	if err := ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(ev)
}

func readBody(c *gin.Context, svc *Service) ([]byte, bool) {
	limit := svc.Config().Server.MaxBodyBytes
	reader := io.Reader(c.Request.Body)
	if limit > 0 {
		reader = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "description too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, false
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty description"})
		return nil, false
	}
	return body, true
}

func requestFormat(c *gin.Context) string {
	if f := c.Query("format"); f != "" {
		return f
	}
	mediaType, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if err == nil {
		switch {
		case strings.HasSuffix(mediaType, "yaml"):
			return string(parser.FormatYAML)
		case strings.HasSuffix(mediaType, "xml"):
			return string(parser.FormatXML)
		}
	}
	return defaultFormat
}

func writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrServiceClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, parser.ErrUnsupportedFormat), errors.Is(err, dag.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("submission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submission failed"})
	}
}
