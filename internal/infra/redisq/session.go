package redisq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"transferq/internal/config"
	"transferq/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var errSessionClosed = errors.New("redisq: session closed")

// Session owns one go-redis client and hands out reference-counted handles
// to the queues and stores built on it. The client is closed when the last
// handle is released.
type Session struct {
	rdb    *redis.Client
	prefix string

	mu   sync.Mutex
	refs int
}

func NewSession(cfg config.Redis) *Session {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewSessionFromClient(c, cfg.KeyPrefix)
}

// NewSessionFromClient wraps an existing client. The caller's reference
// counts as the first handle.
func NewSessionFromClient(rdb *redis.Client, prefix string) *Session {
	if prefix == "" {
		prefix = "transferq"
	}
	return &Session{rdb: rdb, prefix: prefix, refs: 1}
}

// Connect pings the server.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w: %w", domain.ErrTransport, err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

// Acquire takes another handle on the session.
func (s *Session) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs <= 0 {
		return errSessionClosed
	}
	s.refs++
	return nil
}

// Release drops a handle and closes the client with the last one.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs <= 0 {
		return nil
	}
	s.refs--
	if s.refs == 0 {
		return s.rdb.Close()
	}
	return nil
}

func (s *Session) Client() *redis.Client { return s.rdb }

func (s *Session) Key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// wrapErr tags broker failures as transport errors. Context errors pass
// through so callers can tell shutdown from breakage.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrTransport, err)
}
