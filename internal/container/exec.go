package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Stdout and stderr stream ids in the multiplexed exec framing.
const (
	StreamStdout byte = 1
	StreamStderr byte = 2
)

// ExecOptions holds options for starting an exec inside a container.
type ExecOptions struct {
	Tty        bool
	Env        []string
	WorkingDir string
	Width      uint
	Height     uint
}

// ExecStream is a duplex byte stream to a running exec. Without a tty the
// read side carries 8-byte frame headers; feed it through a StreamDemuxer.
type ExecStream struct {
	cli    dockerAPI
	execID string
	conn   types.HijackedResponse
}

// dockerAPI is the slice of the SDK client the exec stream needs after attach.
type dockerAPI interface {
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// Exec starts argv inside the container and attaches to it.
func (c *Client) Exec(ctx context.Context, containerID string, argv []string, opts ExecOptions) (*ExecStream, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          opts.Tty,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
	}
	if opts.Width > 0 && opts.Height > 0 {
		execCfg.ConsoleSize = &[2]uint{opts.Height, opts.Width}
	}

	execResp, err := c.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to create exec in container %s: %w", containerID, err)
	}

	attachResp, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{
		Tty: opts.Tty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in container %s: %w", containerID, err)
	}

	return &ExecStream{cli: c.cli, execID: execResp.ID, conn: attachResp}, nil
}

// Read reads raw bytes from the exec stream.
func (s *ExecStream) Read(p []byte) (int, error) {
	return s.conn.Reader.Read(p)
}

// Write writes to the exec's stdin.
func (s *ExecStream) Write(p []byte) (int, error) {
	return s.conn.Conn.Write(p)
}

// Resize resizes the exec's terminal.
func (s *ExecStream) Resize(ctx context.Context, cols, rows uint) error {
	return s.cli.ContainerExecResize(ctx, s.execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
}

// ExitCode inspects the exec and returns its exit code and whether it is
// still running.
func (s *ExecStream) ExitCode(ctx context.Context) (int, bool, error) {
	inspect, err := s.cli.ContainerExecInspect(ctx, s.execID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspect.ExitCode, inspect.Running, nil
}

// Close tears down the attach. It never kills the process the exec started.
func (s *ExecStream) Close() error {
	s.conn.Close()
	return nil
}

// ExecResult holds the separated output of a completed non-tty exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunExec runs argv inside the container without a tty, waits for it to
// finish, and returns the demultiplexed output. The caller bounds the wait
// through ctx.
func (c *Client) RunExec(ctx context.Context, containerID string, argv []string) (*ExecResult, error) {
	stream, err := c.Exec(ctx, containerID, argv, ExecOptions{Tty: false})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, stream.conn.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case copyErr := <-done:
		if copyErr != nil && copyErr != io.EOF {
			return nil, fmt.Errorf("failed to read exec output: %w", copyErr)
		}
	}

	exitCode, _, err := stream.ExitCode(ctx)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// Frame is one demultiplexed payload from an exec stream.
type Frame struct {
	Stream byte
	Data   []byte
}

// StreamDemuxer incrementally parses the 8-byte frame headers of a
// multiplexed exec stream. Frames split across read boundaries are
// buffered until complete.
type StreamDemuxer struct {
	buf []byte
}

// Push appends raw bytes and returns every complete frame parsed so far.
func (d *StreamDemuxer) Push(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		if len(d.buf) < 8 {
			return frames
		}
		size := binary.BigEndian.Uint32(d.buf[4:8])
		if uint32(len(d.buf)-8) < size {
			return frames
		}
		data := make([]byte, size)
		copy(data, d.buf[8:8+size])
		frames = append(frames, Frame{Stream: d.buf[0], Data: data})
		d.buf = d.buf[8+size:]
	}
}
