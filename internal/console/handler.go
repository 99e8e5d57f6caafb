// Package console runs player-list and whitelist operations against game
// servers and reports every outcome as a [domain.Result]. Nothing past this
// package sees a transport error.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/irongate/irongate/internal/domain"
	ilog "github.com/irongate/irongate/internal/log"
	"github.com/irongate/irongate/internal/metrics"
	"github.com/irongate/irongate/internal/playerlist"
	"github.com/irongate/irongate/internal/pool"
	"github.com/irongate/irongate/internal/rcon"
	"github.com/irongate/irongate/internal/secret"
)

// Console commands. The remote vocabulary is fixed.
const (
	cmdList            = "list"
	cmdWhitelistAdd    = "whitelist add "
	cmdWhitelistReload = "whitelist reload"
)

// DefaultParallelism bounds concurrent polls in [Handler.GetPlayersAll].
const DefaultParallelism = 8

// Pool hands out live sessions. *pool.Pool implements it.
type Pool interface {
	Get(ctx context.Context, target domain.ServerTarget) (pool.Session, error)
}

// Handler is the console facade.
type Handler struct {
	pool    Pool
	log     *slog.Logger
	metrics *metrics.Collectors
}

// NewHandler returns a Handler using p. logger and m may be nil.
func NewHandler(p Pool, logger *slog.Logger, m *metrics.Collectors) *Handler {
	if logger == nil {
		logger = ilog.Discard()
	}
	return &Handler{pool: p, log: logger, metrics: m}
}

// GetPlayers lists the players online on target.
func (h *Handler) GetPlayers(ctx context.Context, target domain.ServerTarget) domain.PlayersResult {
	reply, err := h.run(ctx, target, "list", cmdList)
	if err != nil {
		return domain.PlayersResult{Success: false, Players: []string{}, Message: describe(target, err)}
	}
	players := playerlist.Parse(reply)
	h.metrics.SetPlayersOnline(target.Label(), len(players))
	if _, limit, ok := playerlist.Counts(reply); ok {
		h.metrics.SetPlayerLimit(target.Label(), limit)
	}
	return domain.PlayersResult{
		Success: true,
		Players: players,
		Message: fmt.Sprintf("Found %d player(s) online", len(players)),
	}
}

// GetPlayersAll polls every target with at most limit polls in flight.
// Results keep the order of targets.
func (h *Handler) GetPlayersAll(ctx context.Context, targets []domain.ServerTarget, limit int) []domain.ServerResult {
	if limit <= 0 {
		limit = DefaultParallelism
	}
	out := make([]domain.ServerResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			out[i] = domain.ServerResult{Server: t.Label(), PlayersResult: h.GetPlayers(gctx, t)}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// AddWhitelist adds username to the whitelist of target and reloads it. The
// username is checked before any network traffic. A failed reload fails the
// whole operation even though the add went through.
func (h *Handler) AddWhitelist(ctx context.Context, target domain.ServerTarget, username string) domain.Result {
	if !domain.ValidUsername(username) {
		return domain.Result{
			Success: false,
			Message: fmt.Sprintf("%v: %q (3-16 letters, digits or underscores)", domain.ErrInvalidUsername, username),
		}
	}

	sess, err := h.pool.Get(ctx, target)
	if err != nil {
		h.log.Warn("whitelist add failed", "server", target.Label(), "err", err)
		return domain.Result{Success: false, Message: describe(target, err)}
	}

	reply, err := h.timed(ctx, sess, "whitelist_add", cmdWhitelistAdd+username)
	if err != nil {
		h.log.Warn("whitelist add failed", "server", target.Label(), "username", username, "err", err)
		return domain.Result{Success: false, Message: describe(target, err)}
	}
	if _, err := h.timed(ctx, sess, "whitelist_reload", cmdWhitelistReload); err != nil {
		h.log.Warn("whitelist reload failed after add", "server", target.Label(), "username", username, "err", err)
		return domain.Result{
			Success: false,
			Message: fmt.Sprintf("Added %s but whitelist reload failed: %s", username, describe(target, err)),
		}
	}

	h.log.Info("whitelist updated", "server", target.Label(), "username", username)
	if reply == "" {
		reply = fmt.Sprintf("Added %s to whitelist", username)
	}
	return domain.Result{Success: true, Message: reply}
}

func (h *Handler) run(ctx context.Context, target domain.ServerTarget, verb, cmd string) (string, error) {
	sess, err := h.pool.Get(ctx, target)
	if err != nil {
		h.metrics.ObserveCommand(verb, false, 0)
		h.log.Warn("console session unavailable", "server", target.Label(), "err", err)
		return "", err
	}
	reply, err := h.timed(ctx, sess, verb, cmd)
	if err != nil {
		h.log.Warn("console command failed", "server", target.Label(), "command", verb, "err", err)
	}
	return reply, err
}

func (h *Handler) timed(ctx context.Context, sess pool.Session, verb, cmd string) (string, error) {
	start := time.Now()
	reply, err := sess.Command(ctx, cmd)
	h.metrics.ObserveCommand(verb, err == nil, time.Since(start))
	return reply, err
}

// describe maps an error to the operator-facing message of a failed result.
func describe(target domain.ServerTarget, err error) string {
	var se *secret.Error
	if errors.As(err, &se) {
		return "Cannot decrypt RCON password: " + se.Error()
	}
	var re *rcon.Error
	if !errors.As(err, &re) {
		return "Unexpected error: " + err.Error()
	}
	switch re.Kind {
	case rcon.KindTimeout:
		return fmt.Sprintf("Connection to %s timed out", target.Addr())
	case rcon.KindRefused:
		return fmt.Sprintf("Connection to %s refused - server may be offline", target.Addr())
	case rcon.KindProtocol:
		return "RCON error: " + re.Err.Error()
	default:
		return "Unexpected error: " + re.Err.Error()
	}
}
