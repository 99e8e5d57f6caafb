package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/irongate/irongate/internal/config"
	"github.com/irongate/irongate/internal/debughttp"
	"github.com/irongate/irongate/internal/domain"
	"github.com/irongate/irongate/internal/metrics"
	"github.com/irongate/irongate/internal/rotation"
)

func (a *app) runPlayers(ctx context.Context, args []string) int {
	cfg, err := config.ParsePlayers(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "players error:", err)
		return 2
	}
	rt, code := a.newRuntime(ctx, cfg.Common, cfg.RCON, nil)
	if code != 0 {
		return code
	}
	defer rt.Close()

	var results []domain.ServerResult
	if cfg.All {
		targets, err := rt.store.ListServers(ctx)
		if err != nil {
			fmt.Fprintln(a.stderr, "list servers:", err)
			return 1
		}
		results = rt.handler.GetPlayersAll(ctx, targets, cfg.Parallel)
	} else {
		t, err := rt.store.FindServer(ctx, cfg.Server)
		if err != nil {
			fmt.Fprintln(a.stderr, "players error:", err)
			return 1
		}
		results = []domain.ServerResult{{Server: t.Label(), PlayersResult: rt.handler.GetPlayers(ctx, t)}}
	}

	if cfg.JSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		var v any = results
		if !cfg.All {
			v = results[0]
		}
		if err := enc.Encode(v); err != nil {
			fmt.Fprintln(a.stderr, "write output:", err)
			return 1
		}
	} else {
		for _, r := range results {
			a.printPlayers(r)
		}
	}

	for _, r := range results {
		if !r.Success {
			return 1
		}
	}
	return 0
}

func (a *app) printPlayers(r domain.ServerResult) {
	if !r.Success {
		fmt.Fprintf(a.stdout, "%s: %s\n", r.Server, r.Message)
		return
	}
	if len(r.Players) == 0 {
		fmt.Fprintf(a.stdout, "%s: %s\n", r.Server, r.Message)
		return
	}
	fmt.Fprintf(a.stdout, "%s: %s: %s\n", r.Server, r.Message, strings.Join(r.Players, ", "))
}

func (a *app) runWatch(ctx context.Context, args []string) int {
	cfg, err := config.ParseWatch(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "watch error:", err)
		return 2
	}

	reg := prometheus.NewRegistry()
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		fmt.Fprintln(a.stderr, "register metrics:", err)
		return 1
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt, code := a.newRuntime(ctx, cfg.Common, cfg.RCON, m)
	if code != 0 {
		return code
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := debughttp.Start(ctx, cfg.MetricsListen, rt.log, debughttp.Options{Gatherer: reg, Pprof: cfg.Pprof}); err != nil {
		fmt.Fprintln(a.stderr, "metrics listener:", err)
		return 1
	}

	w := &watcher{rt: rt, lock: lockPath(cfg.DBPath), parallel: cfg.Parallel}
	w.poll(ctx)
	if cfg.Once {
		return 0
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.log.Info("watch stopped")
			return 0
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

type watcher struct {
	rt       *runtime
	lock     string
	parallel int

	seen map[string]seenTarget
}

// seenTarget is what a pooled session was built from.
type seenTarget struct {
	addr string
	cred []byte
}

// poll queries every server once. Polls are skipped while a key rotation
// holds the lock.
func (w *watcher) poll(ctx context.Context) {
	if rotation.Locked(w.lock) {
		w.rt.log.Warn("key rotation in progress, skipping poll")
		return
	}
	targets, err := w.rt.store.ListServers(ctx)
	if err != nil {
		w.rt.log.Error("list servers failed", "err", err)
		return
	}
	w.sync(targets)
	for _, r := range w.rt.handler.GetPlayersAll(ctx, targets, w.parallel) {
		if r.Success {
			w.rt.log.Info("players online", "server", r.Server, "count", len(r.Players), "players", strings.Join(r.Players, ","))
			continue
		}
		w.rt.log.Warn("server poll failed", "server", r.Server, "message", r.Message)
	}
}

// sync drops pooled sessions for servers that were removed, moved or given
// a new password since the previous poll, so the next poll logs in afresh.
func (w *watcher) sync(targets []domain.ServerTarget) {
	current := make(map[string]seenTarget, len(targets))
	for _, t := range targets {
		key := t.Key()
		now := seenTarget{addr: t.Addr(), cred: t.EncryptedCredential}
		current[key] = now
		prev, ok := w.seen[key]
		if ok && (prev.addr != now.addr || !bytes.Equal(prev.cred, now.cred)) {
			w.rt.log.Info("server settings changed, dropping pooled session", "server", t.Label())
			w.rt.pool.Evict(key)
		}
	}
	for key := range w.seen {
		if _, ok := current[key]; !ok {
			w.rt.log.Info("server removed, dropping pooled session", "server", key)
			w.rt.pool.Evict(key)
		}
	}
	w.seen = current
}
