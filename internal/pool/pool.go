// Package pool keeps one authenticated RCON session per server and checks
// it is alive before handing it out again.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/irongate/irongate/internal/domain"
	ilog "github.com/irongate/irongate/internal/log"
	"github.com/irongate/irongate/internal/metrics"
	"github.com/irongate/irongate/internal/rcon"
)

// DefaultProbeCommand is a harmless command every server answers.
const DefaultProbeCommand = "version"

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("pool closed")

// Session is a live console session. *rcon.Client implements it.
type Session interface {
	Connect(ctx context.Context) error
	Command(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Factory builds an unconnected session for target.
type Factory func(target domain.ServerTarget, password string) Session

// Decrypter opens stored credentials. *secret.Cipher implements it.
type Decrypter interface {
	Decrypt(ciphertext []byte) (string, error)
}

// Options configures a [Pool].
type Options struct {
	Decrypter    Decrypter
	Factory      Factory
	ProbeCommand string
	Logger       *slog.Logger
	Metrics      *metrics.Collectors
}

// Pool maps server keys to cached sessions. Each server has its own slot
// lock so a slow reconnect only blocks callers of that server.
type Pool struct {
	dec     Decrypter
	factory Factory
	probe   string
	log     *slog.Logger
	metrics *metrics.Collectors

	mu     sync.Mutex // guards slots and closed
	slots  map[string]*slot
	closed bool
	pooled atomic.Int64
}

type slot struct {
	mu      sync.Mutex
	session Session
}

// New returns an empty pool. A nil Factory dials with [rcon.New] using
// default timeouts.
func New(opts Options) *Pool {
	if opts.Factory == nil {
		opts.Factory = RCONFactory(rcon.Options{})
	}
	if opts.ProbeCommand == "" {
		opts.ProbeCommand = DefaultProbeCommand
	}
	if opts.Logger == nil {
		opts.Logger = ilog.Discard()
	}
	return &Pool{
		dec:     opts.Decrypter,
		factory: opts.Factory,
		probe:   opts.ProbeCommand,
		log:     opts.Logger,
		metrics: opts.Metrics,
		slots:   make(map[string]*slot),
	}
}

// RCONFactory returns a [Factory] that builds [rcon.Client] sessions.
func RCONFactory(o rcon.Options) Factory {
	return func(t domain.ServerTarget, password string) Session {
		return rcon.New(t.Addr(), password, o)
	}
}

// Get returns a live session for target. A cached session is probed first;
// if the probe fails it is closed and replaced. Connect failures are
// returned as-is and nothing is cached for them.
func (p *Pool) Get(ctx context.Context, target domain.ServerTarget) (Session, error) {
	s, err := p.slot(target.Key())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A caller whose context is already done must not cost other callers
	// their healthy session.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.session != nil {
		_, err := s.session.Command(ctx, p.probe)
		if err == nil {
			p.metrics.ObserveProbe(true)
			return s.session, nil
		}
		p.metrics.ObserveProbe(false)
		p.log.Info("pooled session failed probe, reconnecting",
			"server", target.Key(), "addr", target.Addr(), "kind", rcon.KindOf(err).String(), "err", err)
		p.discard(s)
	}

	password, err := p.password(target)
	if err != nil {
		return nil, err
	}
	sess := p.factory(target, password)
	if err := sess.Connect(ctx); err != nil {
		_ = sess.Close()
		p.metrics.ObserveConnect(false, rcon.KindOf(err).String())
		return nil, err
	}
	p.metrics.ObserveConnect(true, "")

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = sess.Close()
		return nil, ErrClosed
	}

	s.session = sess
	p.metrics.SetPooled(int(p.pooled.Add(1)))
	p.log.Debug("pooled new session", "server", target.Key(), "addr", target.Addr())
	return sess, nil
}

func (p *Pool) slot(key string) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	s, ok := p.slots[key]
	if !ok {
		s = &slot{}
		p.slots[key] = s
	}
	return s, nil
}

func (p *Pool) password(target domain.ServerTarget) (string, error) {
	if p.dec == nil {
		return "", fmt.Errorf("server %s: no decrypter configured", target.Key())
	}
	pw, err := p.dec.Decrypt(target.EncryptedCredential)
	if err != nil {
		return "", fmt.Errorf("server %s: decrypt credential: %w", target.Key(), err)
	}
	return pw, nil
}

// Evict closes and forgets the session cached for key, if any.
func (p *Pool) Evict(key string) {
	p.mu.Lock()
	s, ok := p.slots[key]
	p.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	p.discard(s)
	s.mu.Unlock()
}

// discard closes the session held by s. Callers hold s.mu.
func (p *Pool) discard(s *slot) {
	if s.session == nil {
		return
	}
	_ = s.session.Close()
	s.session = nil
	p.metrics.SetPooled(int(p.pooled.Add(-1)))
}

// Len returns the number of cached sessions.
func (p *Pool) Len() int {
	return int(p.pooled.Load())
}

// Close closes every cached session. Later Get calls return [ErrClosed].
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := p.slots
	p.slots = make(map[string]*slot)
	p.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		p.discard(s)
		s.mu.Unlock()
	}
	return nil
}
