package terminal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kilndev/kiln/internal/auth"
	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
	"github.com/kilndev/kiln/internal/store"
)

// attachTimeout bounds the wait for the first byte after attach.
var attachTimeout = 5 * time.Second

// Authenticator verifies the token query parameter.
type Authenticator interface {
	Authenticate(token string) (*auth.Principal, error)
}

// Ensurer converges the session's container before attach.
type Ensurer interface {
	EnsureSessionContainer(ctx context.Context, sessionID string) (string, error)
}

// Stream is the duplex connection to the pty-mux exec.
// *container.ExecStream satisfies it.
type Stream interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint) error
	ExitCode(ctx context.Context) (int, bool, error)
}

// Execer starts an exec inside a container.
type Execer interface {
	Exec(ctx context.Context, containerID string, argv []string, opts container.ExecOptions) (Stream, error)
}

// NewManagerExecer adapts a container manager to the Execer interface.
func NewManagerExecer(m *container.Manager) Execer {
	return managerExecer{m}
}

type managerExecer struct {
	m *container.Manager
}

func (e managerExecer) Exec(ctx context.Context, containerID string, argv []string, opts container.ExecOptions) (Stream, error) {
	return e.m.Exec(ctx, containerID, argv, opts)
}

// terminal clients authenticate with a token, not cookies, so any origin
// is acceptable
var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler attaches websockets to pty-mux sessions.
type Handler struct {
	auth    Authenticator
	store   store.Store
	ensurer Ensurer
	exec    Execer
	logger  *logger.Logger
}

// NewHandler creates a terminal handler.
func NewHandler(authn Authenticator, st store.Store, ensurer Ensurer, exec Execer, log *logger.Logger) *Handler {
	return &Handler{
		auth:    authn,
		store:   st,
		ensurer: ensurer,
		exec:    exec,
		logger:  log.WithFields(zap.String("component", "terminal_handler")),
	}
}

// wsConn serializes writes to the websocket; gorilla allows only one
// concurrent writer.
type wsConn struct {
	conn *gorillaws.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(msg ServerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

func (w *wsConn) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = w.conn.Close()
}

// HandleWS serves GET /terminal/ws/:session_id?token=...
//
// Close codes are part of the contract: 1008 for authentication and
// access_denied, 1011 for setup failures, 1000 when the terminal ends.
func (h *Handler) HandleWS(c *gin.Context) {
	sessionID := c.Param("session_id")

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	ws := &wsConn{conn: raw}

	principal, err := h.auth.Authenticate(c.Query("token"))
	if err != nil {
		ws.close(gorillaws.ClosePolicyViolation, "authentication")
		return
	}

	ctx := c.Request.Context()
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		ws.close(gorillaws.CloseInternalServerErr, "session not found")
		return
	}
	env, err := h.store.GetEnvironment(ctx, sess.EnvironmentID)
	if err != nil {
		ws.close(gorillaws.CloseInternalServerErr, "environment not found")
		return
	}
	if env.UserID != principal.UserID {
		ws.close(gorillaws.ClosePolicyViolation, "access_denied")
		return
	}

	containerID, err := h.ensurer.EnsureSessionContainer(ctx, sessionID)
	if err != nil {
		h.logger.WithSessionID(sessionID).Error("Session setup failed", zap.Error(err))
		_ = ws.send(Error(setupFailureMessage(err)))
		ws.close(gorillaws.CloseInternalServerErr, apperrors.Code(err))
		return
	}

	h.bridge(c, ws, sess, containerID)
}

func setupFailureMessage(err error) string {
	if appErr, ok := err.(*apperrors.AppError); ok {
		return appErr.Message
	}
	return "failed to prepare session"
}

// attachArgv builds the command that attaches to the session's pty-mux:
// attach with detach-others-and-exclusive semantics when the mux session
// exists, else create it in the session's working directory. The mux name
// survives reconnects and is what persists terminal state.
func attachArgv(sess *store.Session) []string {
	script := fmt.Sprintf(
		"if tmux has-session -t %[1]s 2>/dev/null; then exec tmux attach-session -d -t %[1]s; else exec tmux new-session -s %[1]s -c %[2]s; fi",
		sess.PtyMuxName, sess.WorkingDirectory)
	return []string{"sh", "-c", script}
}

func (h *Handler) bridge(c *gin.Context, ws *wsConn, sess *store.Session, containerID string) {
	log := h.logger.WithSessionID(sess.ID)
	ctx := c.Request.Context()

	stream, err := h.exec.Exec(ctx, containerID, attachArgv(sess), container.ExecOptions{
		Env: []string{"TERM=xterm-256color"},
	})
	if err != nil {
		_ = ws.send(Error("failed to attach terminal"))
		ws.close(gorillaws.CloseInternalServerErr, "attach failed")
		return
	}
	defer stream.Close()

	if err := h.store.UpdateSessionStatus(ctx, sess.ID, store.SessionStatusActive); err != nil {
		log.Warn("Failed to mark session active", zap.Error(err))
	}
	if err := h.store.TouchSessionActivity(ctx, sess.ID); err != nil {
		log.Warn("Failed to record activity", zap.Error(err))
	}

	// agent sessions surface their agent identity before the shell bytes
	if sess.SessionType == store.SessionTypeAgent && sess.AgentID != "" {
		if agent, err := h.store.GetAgent(ctx, sess.AgentID); err == nil {
			_ = ws.send(Output([]byte(fmt.Sprintf("agent session: %s (%s)\r\n", agent.Name, agent.Type))))
		}
	}

	_ = ws.send(ServerMessage{Type: TypeRequestResize})

	firstByte := make(chan struct{})
	streamEnded := make(chan error, 1)
	go h.pumpOutput(ctx, stream, ws, sess, firstByte, streamEnded)

	// the pty-mux must produce something (prompt, redraw) promptly after
	// attach; silence means the exec never reached a shell
	go func() {
		select {
		case <-firstByte:
		case <-streamEnded:
		case <-time.After(attachTimeout):
			_ = ws.send(Error("terminal did not respond"))
			ws.close(gorillaws.CloseInternalServerErr, "terminal did not respond")
			stream.Close()
		}
	}()

	h.pumpInput(ctx, stream, ws, sess, log)

	// websocket closed: an active session goes inactive but the pty-mux
	// lives on inside the container, that is the persistence. A session
	// the exec already marked dead stays dead.
	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.DeactivateSession(bg, sess.ID); err != nil {
		log.Warn("Failed to mark session inactive", zap.Error(err))
	}
	log.Info("Terminal websocket disconnected")
}

// pumpOutput demultiplexes exec frames into output messages. Stdout and
// stderr are merged for the client; stderr is additionally scanned for
// fatal markers.
func (h *Handler) pumpOutput(ctx context.Context, stream Stream, ws *wsConn, sess *store.Session, firstByte chan struct{}, ended chan error) {
	log := h.logger.WithSessionID(sess.ID)

	var demux container.StreamDemuxer
	var signaled bool
	buf := make([]byte, 4096)

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if !signaled {
				signaled = true
				close(firstByte)
			}
			for _, frame := range demux.Push(buf[:n]) {
				if frame.Stream == container.StreamStderr && strings.Contains(string(frame.Data), "ERROR:") {
					log.Warn("Terminal stderr reported an error", zap.String("stderr", string(frame.Data)))
					h.markDead(sess.ID)
				}
				if sendErr := ws.send(Output(frame.Data)); sendErr != nil {
					ended <- sendErr
					return
				}
			}
		}
		if err != nil {
			ended <- err
			h.finishExec(ctx, stream, ws, sess)
			return
		}
	}
}

// finishExec inspects the finished exec and closes the websocket with the
// terminal-ended code; a non-zero exit marks the session dead.
func (h *Handler) finishExec(ctx context.Context, stream Stream, ws *wsConn, sess *store.Session) {
	exitCode, running, err := stream.ExitCode(ctx)
	if err == nil && !running && exitCode != 0 {
		h.logger.WithSessionID(sess.ID).Warn("Terminal exec exited non-zero", zap.Int("exit_code", exitCode))
		h.markDead(sess.ID)
	}
	ws.close(gorillaws.CloseNormalClosure, "terminal ended")
}

func (h *Handler) markDead(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.UpdateSessionStatus(ctx, sessionID, store.SessionStatusDead); err != nil {
		h.logger.Warn("Failed to mark session dead",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// pumpInput forwards client messages to the exec until the websocket
// closes. Unknown message types are ignored.
func (h *Handler) pumpInput(ctx context.Context, stream Stream, ws *wsConn, sess *store.Session, log *logger.Logger) {
	for {
		_, raw, err := ws.conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				log.Debug("Websocket read ended", zap.Error(err))
			}
			return
		}

		msg, err := ParseClientMessage(raw)
		if err != nil {
			log.Debug("Dropping malformed client message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case TypeInput:
			if _, err := stream.Write([]byte(msg.Data)); err != nil {
				log.Debug("Exec write failed", zap.Error(err))
				return
			}
			if err := h.store.TouchSessionActivity(ctx, sess.ID); err != nil {
				log.Debug("Failed to record activity", zap.Error(err))
			}
		case TypeResize:
			if msg.Cols == 0 || msg.Rows == 0 {
				continue
			}
			if err := stream.Resize(ctx, msg.Cols, msg.Rows); err != nil {
				log.Debug("Resize failed", zap.Error(err))
			}
		}
	}
}
