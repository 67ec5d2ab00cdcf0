// Package terminal bridges a WebSocket to a host process running under a PTY.
package terminal

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"

	"github.com/lengjing/docker-workspace-manager/internal/logger"
)

const (
	defaultCols = 220
	defaultRows = 120

	// drainTimeout bounds how long buffered output is forwarded after the process exits.
	drainTimeout = time.Second
	writeWait    = 5 * time.Second
)

// Bridge spawns a command per WebSocket connection and relays bytes both
// ways. Closing the socket kills the process; the process exiting closes
// the socket.
type Bridge struct {
	command  []string
	cols     uint16
	rows     uint16
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewBridge creates a bridge that runs command under a 220x120 PTY.
func NewBridge(command []string, log *logger.Logger) *Bridge {
	return &Bridge{
		command: command,
		cols:    defaultCols,
		rows:    defaultRows,
		log:     log.Named("terminal"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs a session until either side ends.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response
		b.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := b.Serve(r.Context(), conn); err != nil {
		b.log.Warn("terminal session ended with error", "error", err)
	}
}

// Serve runs one terminal session on an established connection.
func (b *Bridge) Serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.command[0], b.command[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: b.cols, Rows: b.rows})
	if err != nil {
		closeWith(conn, websocket.CloseInternalServerErr, "failed to start terminal")
		return err
	}
	defer func() { _ = ptmx.Close() }()

	b.log.Info("terminal session started", "command", b.command[0], "pid", cmd.Process.Pid)

	// Socket -> PTY. A read error means the client is gone.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if _, err := ptmx.Write(data); err != nil {
				return
			}
		}
	}()

	// PTY -> socket.
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					cancel()
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	waitErr := cmd.Wait()

	select {
	case <-outputDone:
	case <-time.After(drainTimeout):
	}

	if ctx.Err() != nil {
		// The client went away first; the process was killed on its behalf.
		b.log.Info("terminal session closed by client")
		return nil
	}

	closeWith(conn, websocket.CloseNormalClosure, "process exited")
	b.log.Info("terminal process exited", "error", waitErr)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return waitErr
	}
	return nil
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
