// Package controller implements the session controller: the WebSocket
// accept loop at /ws/{lecture_id}, the lecture-id-keyed session registry,
// and the per-session frame demultiplexer and outbound sink.
package controller

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/lecturerd/lecturerd/internal/observe"
	"github.com/lecturerd/lecturerd/internal/scheduler"
	"github.com/lecturerd/lecturerd/pkg/provider/stt"
)

// Deps bundles every dependency a Session needs, shared across all sessions
// a Controller serves.
type Deps struct {
	STT            stt.Provider
	STTConfig      stt.StreamConfig
	ConnectTimeout time.Duration

	Analyzer scheduler.Analyzer
	Store    ArtifactStore
	Metrics  *observe.Metrics

	// TermCacheCapacity bounds each session's term cache. A non-positive
	// value falls back to termcache.DefaultCapacity.
	TermCacheCapacity int

	// OutboundQueueSize bounds each session's outbound message queue. A
	// non-positive value falls back to defaultOutboundQueueSize.
	OutboundQueueSize int
}

// Controller serves the client-facing WebSocket endpoint and owns the
// session registry.
type Controller struct {
	registry *Registry
	deps     Deps
}

// New creates a Controller with a fresh, empty session registry.
func New(deps Deps) *Controller {
	return &Controller{
		registry: NewRegistry(),
		deps:     deps,
	}
}

// ActiveSessions reports the number of currently active sessions.
func (c *Controller) ActiveSessions() int {
	return c.registry.Len()
}

// Register adds the /ws/{lecture_id} route to mux.
func (c *Controller) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/", c.serveWS)
}

func (c *Controller) serveWS(w http.ResponseWriter, r *http.Request) {
	lectureID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if lectureID == "" || strings.Contains(lectureID, "/") {
		http.Error(w, "lecture id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("controller: accept failed", "lecture_id", lectureID, "error", err)
		return
	}

	ctx := r.Context()

	if _, err := c.deps.Store.GetLecture(ctx, lectureID); err != nil {
		slog.Warn("controller: unknown lecture, refusing session", "lecture_id", lectureID, "error", err)
		conn.Close(websocket.StatusPolicyViolation, "unknown lecture")
		return
	}

	sess, err := c.registry.Create(lectureID, func() (*Session, error) {
		return newSession(ctx, lectureID, conn, c.deps)
	})
	if err != nil {
		slog.Warn("controller: session create failed", "lecture_id", lectureID, "error", err)
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer c.registry.Delete(lectureID)

	if c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Add(ctx, 1)
		defer c.deps.Metrics.ActiveSessions.Add(ctx, -1)
	}

	sess.Run(ctx)

	conn.Close(websocket.StatusNormalClosure, "session ended")
}
