// Package store coordinates access to the shared Valkey store.
//
// The host framework pre-forks worker processes, each running many
// threads. Connections built in the parent are unusable in workers, so
// every logical identity connects lazily on first use in its process and
// re-checks the pid on every acquisition. Three identities exist, each
// with its own credentials and its own mutex:
//
//	dlp-reader          read-only, the security-level policy key
//	governance-reqmod   OTT registration and host-approval lookup
//	governance-respmod  approval commit
//
// All commands on a connection, including multi-command sequences, run
// inside the identity's critical section.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odralabshq/polis/internal/config"
)

// Role names one of the three logical store identities.
type Role int

const (
	RoleDLPReader Role = iota
	RoleGovReqmod
	RoleGovRespmod
	roleCount
)

func (r Role) String() string {
	switch r {
	case RoleDLPReader:
		return "dlp-reader"
	case RoleGovReqmod:
		return "governance-reqmod"
	case RoleGovRespmod:
		return "governance-respmod"
	}
	return "unknown"
}

type client struct {
	mu   sync.Mutex
	rdb  *redis.Client
	pid  int
	role Role

	secretPath string
}

// Coordinator owns the three identities. Safe for concurrent use.
type Coordinator struct {
	cfg     config.ValkeyConfig
	clients [roleCount]*client

	// dial is swappable in tests; it builds a connected client for a role.
	dial func(ctx context.Context, role Role, secretPath string) (*redis.Client, error)
}

// NewCoordinator prepares the coordinator without connecting — every
// connection is established lazily on first use in the current process.
func NewCoordinator(cfg config.ValkeyConfig) *Coordinator {
	c := &Coordinator{cfg: cfg}
	secrets := [roleCount]string{
		RoleDLPReader:  cfg.DLPSecretPath,
		RoleGovReqmod:  cfg.ReqmodSecretPath,
		RoleGovRespmod: cfg.RespmodSecretPath,
	}
	for r := Role(0); r < roleCount; r++ {
		c.clients[r] = &client{role: r, secretPath: secrets[r]}
	}
	c.dial = c.dialTLS
	return c
}

// With runs fn holding the role's mutex over a live connection. The whole
// fn executes as one critical section, so multi-command sequences see a
// consistent view. A transport-level failure discards the connection so
// the next caller reconnects.
func (c *Coordinator) With(ctx context.Context, role Role, fn func(Commands) error) error {
	cl := c.clients[role]
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if err := c.ensureConnectedLocked(ctx, cl); err != nil {
		return err
	}

	err := fn(goRedisCommands{rdb: cl.rdb})
	if err != nil && isTransportError(err) {
		slog.Warn("store: discarding connection after transport error",
			"role", role.String(), "error", err)
		cl.rdb.Close()
		cl.rdb = nil
	}
	return err
}

// Healthy probes the role's connection with PING, reconnecting first if
// needed.
func (c *Coordinator) Healthy(ctx context.Context, role Role) error {
	return c.With(ctx, role, func(cmd Commands) error {
		return cmd.Ping(ctx)
	})
}

// Close tears down all connections.
func (c *Coordinator) Close() {
	for _, cl := range c.clients {
		cl.mu.Lock()
		if cl.rdb != nil {
			cl.rdb.Close()
			cl.rdb = nil
		}
		cl.mu.Unlock()
	}
}

// ensureConnectedLocked establishes or validates the connection. Caller
// holds cl.mu. A pid change since the connection was built means we are
// in a forked child — the inherited connection is unusable and dropped.
func (c *Coordinator) ensureConnectedLocked(ctx context.Context, cl *client) error {
	pid := os.Getpid()
	if cl.rdb != nil && cl.pid != pid {
		slog.Warn("store: pid changed, dropping inherited connection",
			"role", cl.role.String(), "built_in", cl.pid, "now", pid)
		cl.rdb.Close()
		cl.rdb = nil
	}
	if cl.rdb != nil {
		if err := cl.rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		cl.rdb.Close()
		cl.rdb = nil
	}

	rdb, err := c.dial(ctx, cl.role, cl.secretPath)
	if err != nil {
		slog.Warn("store: lazy init failed", "role", cl.role.String(), "error", err)
		return fmt.Errorf("connect %s: %w", cl.role.String(), err)
	}
	cl.rdb = rdb
	cl.pid = pid
	slog.Info("store: connected", "role", cl.role.String(), "addr", c.cfg.Addr())
	return nil
}

// dialTLS builds a mutual-TLS, password-authenticated connection for the
// role and verifies it with PING.
func (c *Coordinator) dialTLS(ctx context.Context, role Role, secretPath string) (*redis.Client, error) {
	tlsConf, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}

	password, err := loadSecret(secretPath)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         c.cfg.Addr(),
		Password:     string(password),
		TLSConfig:    tlsConf,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     1, // one serialized connection per identity
	})
	scrub(password)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping %s as %s: %w", c.cfg.Addr(), role.String(), err)
	}
	return rdb, nil
}

func (c *Coordinator) tlsConfig() (*tls.Config, error) {
	if c.cfg.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.cfg.TLSCert, c.cfg.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	caPEM, err := os.ReadFile(c.cfg.TLSCA)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from %s", c.cfg.TLSCA)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// loadSecret reads a one-line password file, stripping the trailing
// newline. The caller must scrub the returned bytes once the auth
// exchange is done.
func loadSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}
	for len(raw) > 0 && (raw[len(raw)-1] == '\n' || raw[len(raw)-1] == '\r') {
		raw = raw[:len(raw)-1]
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("secret %s is empty", path)
	}
	return raw, nil
}

func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// isTransportError distinguishes connection-level failures (worth a
// reconnect) from application replies like redis.Nil.
func isTransportError(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "refused")
}
