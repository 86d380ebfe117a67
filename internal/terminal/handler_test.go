package terminal

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilndev/kiln/internal/auth"
	apperrors "github.com/kilndev/kiln/internal/common/errors"
	"github.com/kilndev/kiln/internal/common/logger"
	"github.com/kilndev/kiln/internal/container"
	"github.com/kilndev/kiln/internal/store"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(token string) (*auth.Principal, error) {
	if token == "good-token" {
		return &auth.Principal{UserID: "user-1"}, nil
	}
	return nil, apperrors.Unauthenticated("invalid token")
}

type fakeEnsurer struct {
	containerID string
	err         error
}

func (f *fakeEnsurer) EnsureSessionContainer(ctx context.Context, sessionID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.containerID, nil
}

// fakeStream is an in-memory exec: scripted framed output, recorded input.
type fakeStream struct {
	out chan []byte

	mu      sync.Mutex
	written bytes.Buffer
	resizes []string

	closeOnce sync.Once
	closed    chan struct{}
	exitCode  int
}

func newFakeStream() *fakeStream {
	return &fakeStream{out: make(chan []byte, 16), closed: make(chan struct{})}
}

func frame(stream byte, data string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(data)))
	return append(header, data...)
}

func (f *fakeStream) Read(p []byte) (int, error) {
	select {
	case chunk := <-f.out:
		return copy(p, chunk), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeStream) Resize(ctx context.Context, cols, rows uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, "resize")
	return nil
}

func (f *fakeStream) ExitCode(ctx context.Context) (int, bool, error) {
	return f.exitCode, false, nil
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) input() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

type fakeExecer struct {
	stream *fakeStream

	mu   sync.Mutex
	argv []string
}

func (f *fakeExecer) Exec(ctx context.Context, containerID string, argv []string, opts container.ExecOptions) (Stream, error) {
	f.mu.Lock()
	f.argv = argv
	f.mu.Unlock()
	return f.stream, nil
}

func (f *fakeExecer) lastArgv() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.argv, " ")
}

type testEnv struct {
	server  *httptest.Server
	store   store.Store
	stream  *fakeStream
	execer  *fakeExecer
	session *store.Session
}

func setup(t *testing.T, ensurer Ensurer) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st := store.NewMemoryStore()
	ctx := context.Background()

	env := &store.Environment{
		ID:            uuid.NewString(),
		UserID:        "user-1",
		Name:          "api",
		RepositoryURL: "https://example.com/r.git",
		DefaultBranch: "main",
		Status:        store.EnvStatusReady,
	}
	require.NoError(t, st.CreateEnvironment(ctx, env))

	sess := &store.Session{
		ID:               uuid.NewString(),
		EnvironmentID:    env.ID,
		Name:             "feat",
		PtyMuxName:       "feat-42",
		WorkingDirectory: "/workspace",
		Status:           store.SessionStatusInactive,
		GitBranch:        "feat",
		SessionType:      store.SessionTypeShell,
	}
	require.NoError(t, st.CreateSession(ctx, sess))

	stream := newFakeStream()
	execer := &fakeExecer{stream: stream}
	h := NewHandler(fakeAuth{}, st, ensurer, execer, log)

	router := gin.New()
	router.GET("/terminal/ws/:session_id", h.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, store: st, stream: stream, execer: execer, session: sess}
}

func dial(t *testing.T, te *testEnv, sessionID, token string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(te.server.URL, "http") + "/terminal/ws/" + sessionID + "?token=" + token
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectClose(t *testing.T, conn *gorillaws.Conn, code int, reason string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg ServerMessage
		err := conn.ReadJSON(&msg)
		if err == nil {
			continue // drain protocol messages until the close arrives
		}
		var closeErr *gorillaws.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		if reason != "" {
			assert.Equal(t, reason, closeErr.Text)
		}
		return
	}
}

func readMessage(t *testing.T, conn *gorillaws.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestRejectsBadToken(t *testing.T) {
	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	conn := dial(t, te, te.session.ID, "bad-token")
	expectClose(t, conn, gorillaws.ClosePolicyViolation, "authentication")
}

func TestRejectsForeignSession(t *testing.T) {
	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	ctx := context.Background()

	otherEnv := &store.Environment{
		ID:            uuid.NewString(),
		UserID:        "someone-else",
		Name:          "other",
		DefaultBranch: "main",
		Status:        store.EnvStatusReady,
	}
	require.NoError(t, te.store.CreateEnvironment(ctx, otherEnv))
	foreign := &store.Session{
		ID:            uuid.NewString(),
		EnvironmentID: otherEnv.ID,
		Name:          "x",
		PtyMuxName:    "x-1",
		Status:        store.SessionStatusInactive,
		GitBranch:     "main",
		SessionType:   store.SessionTypeShell,
	}
	require.NoError(t, te.store.CreateSession(ctx, foreign))

	conn := dial(t, te, foreign.ID, "good-token")
	expectClose(t, conn, gorillaws.ClosePolicyViolation, "access_denied")
}

func TestSetupFailureCloses1011(t *testing.T) {
	te := setup(t, &fakeEnsurer{err: apperrors.ImageMissing("kiln-sandbox:latest")})
	conn := dial(t, te, te.session.ID, "good-token")

	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Message, "kiln-sandbox:latest")

	expectClose(t, conn, gorillaws.CloseInternalServerErr, "")
}

func TestAttachStreamsOutput(t *testing.T) {
	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	te.stream.out <- frame(container.StreamStdout, "hi from tmux")

	conn := dial(t, te, te.session.ID, "good-token")

	msg := readMessage(t, conn)
	assert.Equal(t, TypeRequestResize, msg.Type)

	msg = readMessage(t, conn)
	assert.Equal(t, TypeOutput, msg.Type)
	assert.Equal(t, "hi from tmux", msg.Data)

	// attach must target the stable mux name with attach-or-new semantics
	joined := te.execer.lastArgv()
	assert.Contains(t, joined, "tmux")
	assert.Contains(t, joined, "feat-42")
	assert.Contains(t, joined, "attach-session -d")

	// session goes active once attached
	require.Eventually(t, func() bool {
		got, err := te.store.GetSession(context.Background(), te.session.ID)
		return err == nil && got.Status == store.SessionStatusActive && got.LastActivity != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInputAndResizeForwarded(t *testing.T) {
	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	te.stream.out <- frame(container.StreamStdout, "$ ")
	conn := dial(t, te, te.session.ID, "good-token")

	readMessage(t, conn) // request-resize
	readMessage(t, conn) // prompt

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeInput, Data: "echo hi\n"}))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeResize, Cols: 120, Rows: 40}))

	require.Eventually(t, func() bool {
		return te.stream.input() == "echo hi\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseMarksInactiveWithoutKillingMux(t *testing.T) {
	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	te.stream.out <- frame(container.StreamStdout, "$ ")
	conn := dial(t, te, te.session.ID, "good-token")
	readMessage(t, conn)
	readMessage(t, conn)

	require.NoError(t, conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	conn.Close()

	require.Eventually(t, func() bool {
		got, err := te.store.GetSession(context.Background(), te.session.ID)
		return err == nil && got.Status == store.SessionStatusInactive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecEndCloses1000(t *testing.T) {
	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	te.stream.out <- frame(container.StreamStdout, "bye")
	conn := dial(t, te, te.session.ID, "good-token")
	readMessage(t, conn)
	readMessage(t, conn)

	te.stream.Close() // exec ends container-side
	expectClose(t, conn, gorillaws.CloseNormalClosure, "terminal ended")
}

func TestNonZeroExitMarksDead(t *testing.T) {
	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	te.stream.exitCode = 127
	te.stream.out <- frame(container.StreamStdout, "x")
	conn := dial(t, te, te.session.ID, "good-token")
	readMessage(t, conn)
	readMessage(t, conn)

	te.stream.Close()
	expectClose(t, conn, gorillaws.CloseNormalClosure, "terminal ended")

	require.Eventually(t, func() bool {
		got, err := te.store.GetSession(context.Background(), te.session.ID)
		return err == nil && got.Status == store.SessionStatusDead
	}, 2*time.Second, 10*time.Millisecond)

	// dead is terminal: the disconnect bookkeeping that normally marks the
	// session inactive must not revive it
	time.Sleep(50 * time.Millisecond)
	got, err := te.store.GetSession(context.Background(), te.session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
}

func TestSilentAttachTimesOut(t *testing.T) {
	old := attachTimeout
	attachTimeout = 100 * time.Millisecond
	t.Cleanup(func() { attachTimeout = old })

	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	conn := dial(t, te, te.session.ID, "good-token")

	readMessage(t, conn) // request-resize

	msg := readMessage(t, conn)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "terminal did not respond", msg.Message)
	expectClose(t, conn, gorillaws.CloseInternalServerErr, "")
}

func TestSplitFramesReassembled(t *testing.T) {
	te := setup(t, &fakeEnsurer{containerID: "ctr-1"})
	raw := frame(container.StreamStdout, "split payload")
	te.stream.out <- raw[:3]
	te.stream.out <- raw[3:]

	conn := dial(t, te, te.session.ID, "good-token")
	readMessage(t, conn) // request-resize

	msg := readMessage(t, conn)
	assert.Equal(t, TypeOutput, msg.Type)
	assert.Equal(t, "split payload", msg.Data)
}
