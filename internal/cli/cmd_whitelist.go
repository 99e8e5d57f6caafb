package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/irongate/irongate/internal/config"
	"github.com/irongate/irongate/internal/domain"
)

func (a *app) runWhitelist(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(a.stderr, "usage: irongate whitelist <add|list> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return a.runWhitelistAdd(ctx, args[1:])
	case "list":
		return a.runWhitelistList(ctx, args[1:])
	default:
		fmt.Fprintln(a.stderr, "unknown whitelist command:", args[0])
		return 2
	}
}

func (a *app) runWhitelistAdd(ctx context.Context, args []string) int {
	cfg, err := config.ParseWhitelist(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "whitelist add error:", err)
		return 2
	}
	rt, code := a.newRuntime(ctx, cfg.Common, cfg.RCON, nil)
	if code != 0 {
		return code
	}
	defer rt.Close()

	t, err := rt.store.FindServer(ctx, cfg.Server)
	if err != nil {
		fmt.Fprintln(a.stderr, "whitelist add error:", err)
		return 1
	}
	if !domain.ValidUsername(cfg.Username) {
		// rejected before any request is recorded or sent
		res := rt.handler.AddWhitelist(ctx, t, cfg.Username)
		fmt.Fprintln(a.stderr, res.Message)
		return 1
	}

	req, err := rt.store.ClaimWhitelistRequest(ctx, t.ID, cfg.Username, cfg.Retry)
	if errors.Is(err, domain.ErrDuplicateRequest) {
		fmt.Fprintf(a.stderr, "%v on %s; pass --retry to send it again\n", err, t.Label())
		return 1
	}
	if err != nil {
		fmt.Fprintln(a.stderr, "record request:", err)
		return 1
	}

	res := rt.handler.AddWhitelist(ctx, t, cfg.Username)
	status := domain.RequestStatusProcessed
	if !res.Success {
		status = domain.RequestStatusFailed
	}
	if err := rt.store.CompleteWhitelistRequest(context.WithoutCancel(ctx), req.ID, status, res.Message); err != nil {
		rt.log.Error("record request outcome failed", "request", req.ID, "err", err)
	}

	fmt.Fprintf(a.stdout, "%s: %s\n", t.Label(), res.Message)
	if !res.Success {
		return 1
	}
	return 0
}

func (a *app) runWhitelistList(ctx context.Context, args []string) int {
	cfg, err := config.ParseWhitelistList(args, a.stderr)
	if err != nil {
		fmt.Fprintln(a.stderr, "whitelist list error:", err)
		return 2
	}
	store, code := a.openStore(cfg.DBPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	var serverID string
	if cfg.Server != "" {
		t, err := store.FindServer(ctx, cfg.Server)
		if err != nil {
			fmt.Fprintln(a.stderr, "whitelist list error:", err)
			return 1
		}
		serverID = t.ID
	}
	reqs, err := store.ListWhitelistRequests(ctx, serverID)
	if err != nil {
		fmt.Fprintln(a.stderr, "list requests:", err)
		return 1
	}
	for _, r := range reqs {
		fmt.Fprintf(a.stdout, "%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.Format("2006-01-02T15:04:05Z"), r.ServerID, r.Username, r.Status, r.ResponseLog)
	}
	return 0
}
