// Package sshd is the SSH daemon that runs inside a workspace container.
//
// It listens on the container's SSH port, which the manager binds to the
// workspace's allocated host port. Clients authenticate with a key listed in
// the workspace's authorized_keys file or, when configured, a password
// checked against a bcrypt digest. Sessions run the configured shell as the
// container user, with or without a PTY, and direct-tcpip channels forward
// to addresses reachable from the container.
package sshd

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/lengjing/docker-workspace-manager/internal/config"
	"github.com/lengjing/docker-workspace-manager/internal/logger"
)

var errUnauthorized = errors.New("unauthorized")

// Server accepts SSH connections for one workspace.
type Server struct {
	cfg    *config.SSHDConfig
	config *ssh.ServerConfig
	log    *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a server, loading the host key from cfg.HostKeyPath or
// generating and saving one when the file does not exist.
func New(cfg *config.SSHDConfig, log *logger.Logger) (*Server, error) {
	hostKey, err := loadOrGenerateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	s := &Server{cfg: cfg, log: log.Named("sshd")}

	sshConfig := &ssh.ServerConfig{
		AuthLogCallback: func(conn ssh.ConnMetadata, method string, err error) {
			if err != nil && method != "none" {
				s.log.Warn("auth failed", "user", conn.User(), "remote", conn.RemoteAddr().String(), "method", method)
			}
		},
	}
	if cfg.AuthorizedKeysPath != "" {
		sshConfig.PublicKeyCallback = s.checkPublicKey
	}
	if cfg.PasswordHash != "" {
		sshConfig.PasswordCallback = s.checkPassword
	}
	sshConfig.AddHostKey(hostKey)
	s.config = sshConfig

	return s, nil
}

// Start listens on the configured address and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("ssh server listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		go s.handleConnection(conn)
	}
}

// Stop closes the listener. Established connections run to completion.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		return listener.Close()
	}
	return nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

func (s *Server) handleConnection(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		s.log.Debug("handshake failed", "remote", netConn.RemoteAddr().String(), "error", err)
		_ = netConn.Close()
		return
	}

	log := s.log.With("user", sshConn.User(), "remote", sshConn.RemoteAddr().String())
	log.Info("connection established")
	defer func() {
		_ = sshConn.Close()
		log.Info("connection closed")
	}()

	// Global requests (keepalives, remote forwarding) are refused.
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			go s.handleSession(newChannel, log)
		case "direct-tcpip":
			go handleDirectTCPIP(newChannel, log)
		default:
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

// checkPublicKey accepts keys listed in the authorized_keys file. The file
// is read on every attempt so edits take effect without a restart.
func (s *Server) checkPublicKey(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	data, err := os.ReadFile(s.cfg.AuthorizedKeysPath)
	if err != nil {
		return nil, errUnauthorized
	}

	want := key.Marshal()
	for len(data) > 0 {
		authorized, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			break
		}
		if bytes.Equal(authorized.Marshal(), want) {
			return &ssh.Permissions{
				Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)},
			}, nil
		}
		data = rest
	}
	return nil, errUnauthorized
}

func (s *Server) checkPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), password); err != nil {
		return nil, errUnauthorized
	}
	return &ssh.Permissions{}, nil
}

// loadOrGenerateHostKey loads an SSH host key from disk, or generates an
// ed25519 key and saves it to path.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if keyBytes, err := os.ReadFile(path); err == nil {
		return ssh.ParsePrivateKey(keyBytes)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privateKey, "")
	if err != nil {
		return nil, fmt.Errorf("failed to encode host key: %w", err)
	}
	keyBytes := pem.EncodeToMemory(block)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, keyBytes, 0600); err != nil {
		return nil, fmt.Errorf("failed to save host key: %w", err)
	}

	return ssh.ParsePrivateKey(keyBytes)
}
