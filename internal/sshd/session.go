package sshd

import (
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"

	"github.com/lengjing/docker-workspace-manager/internal/logger"
)

const (
	// drainTimeout bounds how long PTY output is forwarded after the process exits.
	drainTimeout = time.Second
	// waitDelay bounds how long a finished command's inherited pipes are waited on.
	waitDelay   = time.Second
	dialTimeout = 10 * time.Second
)

// Request payloads, RFC 4254 section 6.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type envRequestMsg struct {
	Name  string
	Value string
}

type execMsg struct {
	Command string
}

type exitStatusMsg struct {
	Status uint32
}

// directTCPIPMsg is the extra data of a direct-tcpip channel open, RFC 4254 section 7.2.
type directTCPIPMsg struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

// session is one "session" channel. At most one shell or exec runs per session.
type session struct {
	server  *Server
	channel ssh.Channel
	log     *logger.Logger

	env     []string
	term    string
	winsize *pty.Winsize
	started bool

	mu   sync.Mutex
	ptmx *os.File
}

func (s *Server) handleSession(newChannel ssh.NewChannel, log *logger.Logger) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		log.Warn("failed to accept session channel", "error", err)
		return
	}

	sess := &session{server: s, channel: channel, log: log}
	for req := range requests {
		ok := sess.handleRequest(req)
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}
}

func (sess *session) handleRequest(req *ssh.Request) bool {
	switch req.Type {
	case "env":
		var msg envRequestMsg
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			return false
		}
		sess.env = append(sess.env, msg.Name+"="+msg.Value)
		return true

	case "pty-req":
		var msg ptyRequestMsg
		if sess.started || ssh.Unmarshal(req.Payload, &msg) != nil {
			return false
		}
		sess.term = msg.Term
		sess.winsize = &pty.Winsize{Cols: uint16(msg.Columns), Rows: uint16(msg.Rows)}
		return true

	case "window-change":
		var msg windowChangeMsg
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			return false
		}
		sess.resize(uint16(msg.Columns), uint16(msg.Rows))
		return true

	case "shell", "exec":
		if sess.started {
			return false
		}
		var command string
		if req.Type == "exec" {
			var msg execMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				return false
			}
			command = msg.Command
		}
		if err := sess.start(command); err != nil {
			sess.log.Warn("failed to start command", "type", req.Type, "error", err)
			return false
		}
		sess.started = true
		return true

	default:
		// Includes "subsystem": sftp is not provided.
		return false
	}
}

// command builds the process for a shell (empty command) or exec request.
func (sess *session) command(command string) *exec.Cmd {
	cfg := sess.server.cfg

	var cmd *exec.Cmd
	if command == "" {
		cmd = exec.Command(cfg.Shell)
	} else {
		cmd = exec.Command(cfg.Shell, "-c", command)
	}

	cmd.Env = append(os.Environ(), "SHELL="+cfg.Shell)
	if sess.winsize != nil {
		term := sess.term
		if term == "" {
			term = "xterm-256color"
		}
		cmd.Env = append(cmd.Env, "TERM="+term)
	}
	cmd.Env = append(cmd.Env, sess.env...)

	if fi, err := os.Stat(cfg.WorkDir); err == nil && fi.IsDir() {
		cmd.Dir = cfg.WorkDir
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

func (sess *session) start(command string) error {
	cmd := sess.command(command)
	if sess.winsize != nil {
		return sess.startPTY(cmd)
	}

	cmd.Stdout = sess.channel
	cmd.Stderr = sess.channel.Stderr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(stdin, sess.channel)
		_ = stdin.Close()
	}()

	go func() {
		_ = cmd.Wait()
		sess.finish(cmd)
	}()
	return nil
}

func (sess *session) startPTY(cmd *exec.Cmd) error {
	ptmx, err := pty.StartWithSize(cmd, sess.winsize)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.ptmx = ptmx
	sess.mu.Unlock()

	go func() {
		_, _ = io.Copy(ptmx, sess.channel)
	}()

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		_, _ = io.Copy(sess.channel, ptmx)
	}()

	go func() {
		_ = cmd.Wait()
		select {
		case <-outputDone:
		case <-time.After(drainTimeout):
		}

		sess.mu.Lock()
		sess.ptmx = nil
		sess.mu.Unlock()
		_ = ptmx.Close()

		sess.finish(cmd)
	}()
	return nil
}

func (sess *session) resize(cols, rows uint16) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.winsize != nil {
		sess.winsize.Cols, sess.winsize.Rows = cols, rows
	}
	if sess.ptmx != nil {
		_ = pty.Setsize(sess.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
	}
}

// finish reports the exit status and closes the channel.
func (sess *session) finish(cmd *exec.Cmd) {
	code := exitCode(cmd)
	sess.log.Debug("command exited", "pid", cmd.Process.Pid, "status", code)
	_, _ = sess.channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: code}))
	_ = sess.channel.Close()
}

// exitCode maps a finished process to an SSH exit status. Processes killed by
// a signal report 255.
func exitCode(cmd *exec.Cmd) uint32 {
	if cmd.ProcessState == nil {
		return 255
	}
	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		return uint32(code)
	}
	return 255
}

func handleDirectTCPIP(newChannel ssh.NewChannel, log *logger.Logger) {
	var msg directTCPIPMsg
	if err := ssh.Unmarshal(newChannel.ExtraData(), &msg); err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	addr := net.JoinHostPort(msg.DestAddr, strconv.Itoa(int(msg.DestPort)))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		log.Debug("direct-tcpip dial failed", "addr", addr, "error", err)
		_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer conn.Close()

	channel, reqs, err := newChannel.Accept()
	if err != nil {
		log.Warn("failed to accept direct-tcpip channel", "error", err)
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(reqs)

	log.Debug("direct-tcpip forwarding", "addr", addr)

	// Either side finishing ends the forward.
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(conn, channel)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(channel, conn)
		done <- struct{}{}
	}()
	<-done
}
