package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/irongate/irongate/internal/domain"
	"github.com/irongate/irongate/internal/keys"
	"github.com/irongate/irongate/internal/metrics"
	"github.com/irongate/irongate/internal/rcon"
	"github.com/irongate/irongate/internal/rcon/rcontest"
	"github.com/irongate/irongate/internal/secret"
)

type plainDecrypter struct{}

func (plainDecrypter) Decrypt(b []byte) (string, error) { return string(b), nil }

type fakeSession struct {
	id         int
	connectErr error
	probeErr   atomic.Pointer[error]
	connects   atomic.Int32
	closed     atomic.Bool
	commands   atomic.Int32
}

func (s *fakeSession) Connect(context.Context) error {
	s.connects.Add(1)
	return s.connectErr
}

func (s *fakeSession) Command(context.Context, string) (string, error) {
	s.commands.Add(1)
	if p := s.probeErr.Load(); p != nil {
		return "", *p
	}
	return "ok", nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type recorder struct {
	mu       sync.Mutex
	sessions []*fakeSession
	failNext error
	delay    time.Duration
}

func (r *recorder) factory(domain.ServerTarget, string) Session {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeSession{id: len(r.sessions), connectErr: r.failNext}
	r.failNext = nil
	r.sessions = append(r.sessions, s)
	return s
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func target(id string) domain.ServerTarget {
	return domain.ServerTarget{ID: id, Host: "127.0.0.1", Port: 25575, EncryptedCredential: []byte("pw")}
}

func TestGetReusesLiveSession(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := New(Options{Decrypter: plainDecrypter{}, Factory: rec.factory})
	defer p.Close()

	a, err := p.Get(context.Background(), target("s1"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Get(context.Background(), target("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected the same session on reuse")
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 session built, got %d", rec.count())
	}
	if got := a.(*fakeSession).commands.Load(); got != 1 {
		t.Fatalf("expected one probe, got %d", got)
	}
	if p.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", p.Len())
	}
}

func TestGetRebuildsDeadSession(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m := metrics.New()
	p := New(Options{Decrypter: plainDecrypter{}, Factory: rec.factory, Metrics: m})
	defer p.Close()

	a, err := p.Get(context.Background(), target("s1"))
	if err != nil {
		t.Fatal(err)
	}
	dead := error(&rcon.Error{Kind: rcon.KindUnexpected, Op: "command", Err: errors.New("broken pipe")})
	a.(*fakeSession).probeErr.Store(&dead)

	b, err := p.Get(context.Background(), target("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected a fresh session after failed probe")
	}
	if !a.(*fakeSession).closed.Load() {
		t.Fatal("expected dead session to be closed")
	}
	if p.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", p.Len())
	}
	if got := testutil.ToFloat64(m.Probes.WithLabelValues("dead")); got != 1 {
		t.Fatalf("dead probes: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Pooled); got != 1 {
		t.Fatalf("pooled gauge: got %v, want 1", got)
	}
}

func TestConnectFailureIsNotCached(t *testing.T) {
	t.Parallel()

	refused := &rcon.Error{Kind: rcon.KindRefused, Op: "dial", Err: errors.New("connection refused")}
	rec := &recorder{failNext: refused}
	p := New(Options{Decrypter: plainDecrypter{}, Factory: rec.factory})
	defer p.Close()

	_, err := p.Get(context.Background(), target("s1"))
	if !errors.Is(err, refused) {
		t.Fatalf("expected connect error to propagate, got %v", err)
	}
	if p.Len() != 0 {
		t.Fatalf("expected nothing cached, got %d", p.Len())
	}
	if !rec.sessions[0].closed.Load() {
		t.Fatal("expected failed session to be released")
	}

	if _, err := p.Get(context.Background(), target("s1")); err != nil {
		t.Fatalf("expected retry on next request to succeed, got %v", err)
	}
}

func TestDecryptFailurePropagates(t *testing.T) {
	t.Parallel()

	key, err := secretKey()
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	p := New(Options{Decrypter: key, Factory: rec.factory})
	defer p.Close()

	_, err = p.Get(context.Background(), target("s1"))
	if !errors.Is(err, secret.ErrCorruptedData) {
		t.Fatalf("expected corrupted data error, got %v", err)
	}
	if rec.count() != 0 {
		t.Fatal("no session should be built without a password")
	}
}

func secretKey() (*secret.Cipher, error) {
	key, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	return secret.New(key)
}

func TestSameTargetIsSerialized(t *testing.T) {
	t.Parallel()

	rec := &recorder{delay: 20 * time.Millisecond}
	p := New(Options{Decrypter: plainDecrypter{}, Factory: rec.factory})
	defer p.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Get(context.Background(), target("s1")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if rec.count() != 1 {
		t.Fatalf("expected one session for concurrent callers, got %d", rec.count())
	}
}

type gatedFactory struct {
	release chan struct{}
	entered chan string
}

func (g gatedFactory) factory(t domain.ServerTarget, _ string) Session {
	g.entered <- t.ID
	if t.ID == "slow" {
		<-g.release
	}
	return &fakeSession{}
}

func TestDifferentTargetsDoNotBlock(t *testing.T) {
	t.Parallel()

	g := gatedFactory{release: make(chan struct{}), entered: make(chan string, 2)}
	p := New(Options{Decrypter: plainDecrypter{}, Factory: g.factory})
	defer p.Close()

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = p.Get(context.Background(), target("slow"))
	}()
	if id := <-g.entered; id != "slow" {
		t.Fatalf("unexpected first target %q", id)
	}

	fastDone := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background(), target("fast"))
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast target blocked behind slow target")
	}
	close(g.release)
	<-slowDone
}

func TestEvictAndClose(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := New(Options{Decrypter: plainDecrypter{}, Factory: rec.factory})

	if _, err := p.Get(context.Background(), target("s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(context.Background(), target("s2")); err != nil {
		t.Fatal(err)
	}
	p.Evict("s1")
	p.Evict("missing")
	if p.Len() != 1 {
		t.Fatalf("Len after evict: got %d, want 1", p.Len())
	}
	if !rec.sessions[0].closed.Load() {
		t.Fatal("expected evicted session closed")
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !rec.sessions[1].closed.Load() {
		t.Fatal("expected Close to close cached sessions")
	}
	if p.Len() != 0 {
		t.Fatalf("Len after close: got %d", p.Len())
	}
	if _, err := p.Get(context.Background(), target("s1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPoolWithRealServerHealsAfterDrop(t *testing.T) {
	t.Parallel()

	srv := rcontest.NewServer("pw", func(string) string { return "ok" })
	defer srv.Close()
	host, port := srv.HostPort()
	tg := domain.ServerTarget{ID: "real", Host: host, Port: port, EncryptedCredential: []byte("pw")}

	p := New(Options{
		Decrypter: plainDecrypter{},
		Factory:   RCONFactory(rcon.Options{DialTimeout: time.Second, CommandTimeout: time.Second}),
	})
	defer p.Close()

	a, err := p.Get(context.Background(), tg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Get(context.Background(), tg)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || srv.Logins() != 1 {
		t.Fatalf("expected reuse without re-auth, logins=%d", srv.Logins())
	}

	srv.DropConnections()
	c, err := p.Get(context.Background(), tg)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Fatal("caller observed the dead session")
	}
	if srv.Logins() != 2 {
		t.Fatalf("expected one re-auth, logins=%d", srv.Logins())
	}
	if _, err := c.Command(context.Background(), "list"); err != nil {
		t.Fatal(err)
	}
}

func TestCanceledCallerKeepsPooledSession(t *testing.T) {
	t.Parallel()

	srv := rcontest.NewServer("pw", func(string) string { return "ok" })
	defer srv.Close()
	host, port := srv.HostPort()
	tg := domain.ServerTarget{ID: "real", Host: host, Port: port, EncryptedCredential: []byte("pw")}

	p := New(Options{
		Decrypter: plainDecrypter{},
		Factory:   RCONFactory(rcon.Options{DialTimeout: time.Second, CommandTimeout: time.Second}),
	})
	defer p.Close()

	a, err := p.Get(context.Background(), tg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Get(ctx, tg); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if p.Len() != 1 {
		t.Fatalf("Len after canceled Get: got %d, want 1", p.Len())
	}

	b, err := p.Get(context.Background(), tg)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || srv.Logins() != 1 {
		t.Fatalf("expected the healthy session to survive, logins=%d", srv.Logins())
	}
}
