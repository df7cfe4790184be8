// Package session pools database and cache sessions on top of the generic object pool.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn is a single driver connection owned by a Session.
type Conn interface {
	Ping(ctx context.Context) error
	// Reset returns the connection to a clean state, rolling back any open transaction.
	Reset(ctx context.Context) error
	SetReadOnly(ctx context.Context, readonly bool) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// Connector opens connections for one backend.
type Connector interface {
	Driver() string
	Connect(ctx context.Context) (Conn, error)
}

// Session is a pooled connection plus its bookkeeping.
type Session struct {
	ID        string
	Driver    string
	CreatedAt time.Time

	conn       Conn
	lastAccess atomic.Int64
	reserved   atomic.Bool
	readonly   atomic.Bool
}

func newSession(driver string, conn Conn, now time.Time) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		Driver:    driver,
		CreatedAt: now,
		conn:      conn,
	}
	s.touch(now)
	return s
}

// Conn exposes the underlying connection.
func (s *Session) Conn() Conn { return s.conn }

// LastAccess is the last time the session was acquired or released.
func (s *Session) LastAccess() time.Time { return time.Unix(0, s.lastAccess.Load()) }

// Reserved reports whether the session is currently handed out.
func (s *Session) Reserved() bool { return s.reserved.Load() }

// Readonly reports whether the current lease asked for a read-only session.
func (s *Session) Readonly() bool { return s.readonly.Load() }

func (s *Session) touch(now time.Time) { s.lastAccess.Store(now.UnixNano()) }

func (s *Session) expired(now time.Time, maxLifetime time.Duration) bool {
	return maxLifetime > 0 && now.Sub(s.CreatedAt) >= maxLifetime
}

func (s *Session) idle(now time.Time, idleTimeout time.Duration) bool {
	return idleTimeout > 0 && !s.Reserved() && now.Sub(s.LastAccess()) > idleTimeout
}
