// Package sse assembles the Server-Sent Events stream the agent chat
// endpoint speaks to the browser: one frame per named event, a heartbeat
// while the model or a tool is thinking, and a write deadline so a stalled
// client can't pin a goroutine and a Redis subscription open forever.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

const (
	heartbeatInterval = 15 * time.Second
	writeDeadline     = 5 * time.Second
)

// ErrClosed is returned by Write* methods once the writer has emitted a
// done frame or its underlying connection has been abandoned.
var ErrClosed = errors.New("sse: writer closed")

// Frame names, matching the wire vocabulary the agent controller speaks.
const (
	FrameSessionInit = "session_init"
	FrameThinking    = "thinking"
	FrameToolStart   = "tool_start"
	FrameToolDone    = "tool_done"
	FrameUIRender    = "ui_render"
	FrameMessage     = "message"
	FramePing        = "ping"
	FrameError       = "error"
	FrameDone        = "done"
)

// Writer serializes SSE frames to an http.ResponseWriter, enforcing the
// ordering invariants the chat protocol promises: at most one
// session_init, at most one done, and no frame after done. It does not
// check that session_init is the first frame written. It is safe for concurrent use; the heartbeat goroutine and the
// controller's frame writes share the same mutex.
type Writer struct {
	logger  *log.Logger
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController

	mu          sync.Mutex
	closed      bool
	initSent    bool
	doneSent    bool
	lastWrite   time.Time
	seqByMsgID  map[string]int
	stopHeart   chan struct{}
	heartOnce   sync.Once
	heartActive bool
}

// New wraps w for SSE output. It sets the standard event-stream headers
// and starts a background heartbeat that pings every 15s of silence.
// Callers must call Close (directly, or implicitly via WriteDone) when
// the stream ends.
func New(logger *log.Logger, w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("sse: response writer does not support flushing")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := &Writer{
		logger:     logger,
		w:          w,
		flusher:    flusher,
		rc:         http.NewResponseController(w),
		lastWrite:  time.Now(),
		seqByMsgID: make(map[string]int),
		stopHeart:  make(chan struct{}),
	}
	writer.startHeartbeat()
	return writer, nil
}

func (wr *Writer) startHeartbeat() {
	wr.heartActive = true
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-wr.stopHeart:
				return
			case now := <-ticker.C:
				wr.mu.Lock()
				idle := now.Sub(wr.lastWrite) >= heartbeatInterval
				closed := wr.closed
				wr.mu.Unlock()
				if closed {
					return
				}
				if idle {
					_ = wr.writeFrame(FramePing, map[string]any{"ts": now.UnixMilli()})
				}
			}
		}
	}()
}

// WriteSessionInit emits the mandatory first frame of the stream.
func (wr *Writer) WriteSessionInit(sessionID string) error {
	wr.mu.Lock()
	if wr.initSent {
		wr.mu.Unlock()
		return fmt.Errorf("sse: session_init already sent")
	}
	wr.initSent = true
	wr.mu.Unlock()
	return wr.writeFrame(FrameSessionInit, map[string]any{"session_id": sessionID})
}

// ThinkingPhase is the closed set of phases a thinking frame reports.
type ThinkingPhase string

const (
	PhasePlan     ThinkingPhase = "plan"
	PhaseTool     ThinkingPhase = "tool"
	PhaseSummarize ThinkingPhase = "summarize"
	PhaseFinalize ThinkingPhase = "finalize"
)

// Thinking is the payload for a thinking frame.
type Thinking struct {
	Content  string        `json:"content,omitempty"`
	Phase    ThinkingPhase `json:"phase"`
	Status   string        `json:"status"`
	Progress int           `json:"progress"`
	RunID    string        `json:"run_id,omitempty"`
	Step     string        `json:"step,omitempty"`
}

func (wr *Writer) WriteThinking(t Thinking) error {
	return wr.writeFrame(FrameThinking, t)
}

// ToolEvent backs both tool_start and tool_done frames.
type ToolEvent struct {
	RunID    string `json:"run_id"`
	Tool     string `json:"tool"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

func (wr *Writer) WriteToolStart(e ToolEvent) error {
	e.Status = "running"
	e.Progress = 0
	return wr.writeFrame(FrameToolStart, e)
}

func (wr *Writer) WriteToolDone(e ToolEvent) error {
	e.Progress = 100
	return wr.writeFrame(FrameToolDone, e)
}

// UIRender is the payload for a ui_render frame; Component must be one of
// the closed set of known component names or the client falls back to a
// generic card.
type UIRender struct {
	SchemaVersion int            `json:"schema_version"`
	UIID          string         `json:"ui_id"`
	RenderMode    string         `json:"render_mode"`
	Component     string         `json:"component"`
	Title         string         `json:"title,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Actions       []map[string]any `json:"actions,omitempty"`
}

func (wr *Writer) WriteUIRender(u UIRender) error {
	if u.SchemaVersion == 0 {
		u.SchemaVersion = 1
	}
	if u.RenderMode == "" {
		u.RenderMode = "replace"
	}
	return wr.writeFrame(FrameUIRender, u)
}

// WriteMessage emits a message frame, assigning the next strictly
// monotonic sequence number for messageID.
func (wr *Writer) WriteMessage(messageID, mode, content string) error {
	wr.mu.Lock()
	if wr.doneSent {
		wr.mu.Unlock()
		return fmt.Errorf("sse: cannot write message after done")
	}
	wr.seqByMsgID[messageID]++
	seq := wr.seqByMsgID[messageID]
	wr.mu.Unlock()

	return wr.writeFrame(FrameMessage, map[string]any{
		"message_id": messageID,
		"seq":        seq,
		"mode":       mode,
		"role":       "assistant",
		"content":    content,
	})
}

// WriteError emits an error frame. It does not end the stream; callers
// must still call WriteDone.
func (wr *Writer) WriteError(code, message string, retryable bool) error {
	return wr.writeFrame(FrameError, map[string]any{
		"code":      code,
		"message":   message,
		"retryable": retryable,
	})
}

// WriteDone emits the single terminal frame and stops the heartbeat. It
// is idempotent: a second call is a no-op.
func (wr *Writer) WriteDone(sessionID string) error {
	wr.mu.Lock()
	if wr.doneSent {
		wr.mu.Unlock()
		return nil
	}
	wr.doneSent = true
	wr.mu.Unlock()

	err := wr.writeFrame(FrameDone, map[string]any{"session_id": sessionID})
	wr.Close()
	return err
}

// Close stops the heartbeat goroutine. Safe to call multiple times.
func (wr *Writer) Close() {
	wr.mu.Lock()
	if wr.closed {
		wr.mu.Unlock()
		return
	}
	wr.closed = true
	wr.mu.Unlock()
	wr.heartOnce.Do(func() { close(wr.stopHeart) })
}

func (wr *Writer) writeFrame(event string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: encode %s frame: %w", event, err)
	}

	wr.mu.Lock()
	defer wr.mu.Unlock()
	if wr.closed && event != FrameDone {
		return ErrClosed
	}

	if err := wr.rc.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		wr.logger.Printf("sse: set write deadline: %v", err)
	}

	if _, err := fmt.Fprintf(wr.w, "event: %s\ndata: %s\n\n", event, encoded); err != nil {
		wr.closed = true
		return fmt.Errorf("sse: write %s frame: %w", event, err)
	}
	wr.flusher.Flush()
	wr.lastWrite = time.Now()
	return nil
}
