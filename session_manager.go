package main

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ConnectConfig describes one connect request.
type ConnectConfig struct {
	Host           string
	Port           int
	Username       string
	Credential     Credential
	HostKeyPolicy  HostKeyPolicy
	KnownHostsPath string
	Timeout        time.Duration
	SFTP           SFTPConfig
}

// Validate implements the Validator interface for ConnectConfig
func (c *ConnectConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got: %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if err := c.HostKeyPolicy.Validate(); err != nil {
		return err
	}
	return nil
}

// Session represents one authenticated connection. At most one Session
// exists process-wide at a time; it exclusively owns its Transport while
// connected.
type Session struct {
	ID        SessionID
	Host      string
	Port      int
	Username  string
	transport Transport
	created   time.Time
}

// dialFunc establishes a Transport for a connect request. Swapped for a
// fake in tests.
type dialFunc func(cfg ConnectConfig, logger *zap.Logger) (Transport, error)

// SessionManager owns the zero-or-one active Session and governs the
// connect/disconnect lifecycle. Lifecycle transitions are mutually
// exclusive: a second connect while one is in flight fails fast with
// ErrBusy instead of racing.
type SessionManager struct {
	mu      sync.RWMutex
	status  ConnectionStatus
	session *Session
	lastErr error

	dial   dialFunc
	logger *zap.Logger

	// onTeardown runs whenever a session is released (disconnect, replace,
	// transport failure). The coordinator hooks this to cancel in-flight
	// jobs before the transport goes away. A nil reason means an orderly
	// disconnect.
	onTeardown func(reason error)
}

// NewSessionManager creates a session manager using the real SSH dialer.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		status: StatusDisconnected,
		dial:   sshDial,
		logger: logger,
	}
}

// Connect establishes a new session. If a session is already connected it
// is torn down first, so no two live transports ever coexist.
func (sm *SessionManager) Connect(cfg ConnectConfig) (*SessionInfo, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultSSHPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConnectTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connect config: %w", err)
	}

	sm.mu.Lock()
	if sm.status == StatusConnecting {
		sm.mu.Unlock()
		return nil, ErrBusy
	}
	prior := sm.session
	sm.session = nil
	sm.status = StatusConnecting
	sm.lastErr = nil
	sm.mu.Unlock()

	if prior != nil {
		sm.logger.Info("replacing existing session",
			zap.String("sessionId", prior.ID.String()),
			zap.String("host", prior.Host))
		sm.releaseSession(prior, nil)
	}

	transport, err := sm.dial(cfg, sm.logger)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err != nil {
		classified := classifyDialError(cfg.Host, cfg.Username, err)
		sm.status = StatusFailed
		sm.lastErr = classified
		sm.logger.Error("connection failed",
			zap.String("host", cfg.Host),
			zap.String("user", cfg.Username),
			zap.Error(classified))
		return nil, classified
	}

	sm.session = &Session{
		ID:        SessionID(uuid.New().String()),
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		transport: transport,
		created:   time.Now(),
	}
	sm.status = StatusConnected

	sm.logger.Info("session connected",
		zap.String("sessionId", sm.session.ID.String()),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("user", cfg.Username))

	return sm.infoLocked(), nil
}

// Disconnect tears down the active session. It is idempotent and safe to
// call when no session exists. In-flight jobs bound to the session are
// cancelled before the transport is released. While a connect is still in
// flight Disconnect fails with ErrBusy, otherwise the completing dial would
// silently re-enter Connected and override it.
func (sm *SessionManager) Disconnect() error {
	sm.mu.Lock()
	if sm.status == StatusConnecting {
		sm.mu.Unlock()
		return ErrBusy
	}
	sess := sm.session
	sm.session = nil
	sm.status = StatusDisconnected
	sm.lastErr = nil
	sm.mu.Unlock()

	if sess == nil {
		return nil
	}

	sm.logger.Info("session disconnected",
		zap.String("sessionId", sess.ID.String()),
		zap.String("host", sess.Host))
	return sm.releaseSession(sess, nil)
}

// MarkFailed handles a fatal transport error observed mid-operation: the
// session moves to Failed, its jobs are cancelled with the transport error,
// and further operations require an explicit reconnect.
func (sm *SessionManager) MarkFailed(id SessionID, reason error) {
	sm.mu.Lock()
	sess := sm.session
	if sess == nil || sess.ID != id {
		// Already replaced or released; nothing to fail.
		sm.mu.Unlock()
		return
	}
	sm.session = nil
	sm.status = StatusFailed
	sm.lastErr = reason
	sm.mu.Unlock()

	sm.logger.Error("session failed, transport no longer usable",
		zap.String("sessionId", sess.ID.String()),
		zap.String("host", sess.Host),
		zap.Error(reason))
	sm.releaseSession(sess, reason)
}

// releaseSession cancels dependent work and closes the transport. Runs
// without holding the manager mutex so job cancellation can settle freely.
func (sm *SessionManager) releaseSession(sess *Session, reason error) error {
	if sm.onTeardown != nil {
		sm.onTeardown(reason)
	}
	if err := sess.transport.Close(); err != nil {
		sm.logger.Warn("error closing transport",
			zap.String("sessionId", sess.ID.String()),
			zap.Error(err))
		return err
	}
	return nil
}

// Current returns a read-only snapshot of the session, or nil when
// disconnected.
func (sm *SessionManager) Current() *SessionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.infoLocked()
}

// Status returns the lifecycle state.
func (sm *SessionManager) Status() ConnectionStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status
}

// LastError returns the error that moved the manager into Failed, if any.
func (sm *SessionManager) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastErr
}

// Transport returns the active session's transport for issuing operations.
func (sm *SessionManager) Transport() (SessionID, Transport, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.status != StatusConnected || sm.session == nil {
		return "", nil, ErrNoSession
	}
	return sm.session.ID, sm.session.transport, nil
}

// Close implements the Cleanup interface for SessionManager
func (sm *SessionManager) Close() error {
	return sm.Disconnect()
}

func (sm *SessionManager) infoLocked() *SessionInfo {
	if sm.session == nil {
		return nil
	}
	return &SessionInfo{
		ID:       sm.session.ID,
		Host:     sm.session.Host,
		Port:     sm.session.Port,
		Username: sm.session.Username,
		Status:   sm.status,
	}
}

// sshDial is the production dialFunc: SSH handshake plus SFTP subsystem.
func sshDial(cfg ConnectConfig, logger *zap.Logger) (Transport, error) {
	hostKeyCallback, err := newHostKeyCallback(cfg.HostKeyPolicy, cfg.KnownHostsPath, logger)
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            buildAuthMethods(cfg.Credential, logger),
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", address, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	transport, err := newSFTPTransport(client, cfg.SFTP)
	if err != nil {
		return nil, err
	}
	return transport, nil
}

// buildAuthMethods assembles the authentication ladder: explicit password,
// explicit key file, ssh-agent, then default key locations.
func buildAuthMethods(cred Credential, logger *zap.Logger) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}

	if cred.KeyPath != "" {
		signer, err := loadPrivateKey(cred.KeyPath, cred.KeyPassphrase)
		if err != nil {
			logger.Warn("failed to load SSH key",
				zap.String("keyPath", cred.KeyPath),
				zap.Error(err))
		} else {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if cred.UseAgent || len(methods) == 0 {
		if agentAuth, err := sshAgentAuth(); err == nil {
			methods = append(methods, agentAuth)
		} else if cred.UseAgent {
			logger.Warn("ssh-agent requested but unavailable", zap.Error(err))
		}
	}

	if cred.AllowKeyAutoDiscovery || len(methods) == 0 {
		defaultKeys := []string{
			os.ExpandEnv("$HOME/.ssh/id_rsa"),
			os.ExpandEnv("$HOME/.ssh/id_ed25519"),
			os.ExpandEnv("$HOME/.ssh/id_ecdsa"),
		}
		for _, keyPath := range defaultKeys {
			if signer, err := loadPrivateKey(keyPath, ""); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
				break
			}
		}
	}

	return methods
}

// loadPrivateKey loads an SSH private key from file
func loadPrivateKey(keyPath, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(key)
}

// sshAgentAuth tries to get SSH agent authentication
func sshAgentAuth() (ssh.AuthMethod, error) {
	authSock := os.Getenv("SSH_AUTH_SOCK")
	if authSock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", authSock)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}
