package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duh17/pideck/internal/agent"
	"github.com/duh17/pideck/internal/config"
	"github.com/duh17/pideck/internal/gateway"
	pideckhttp "github.com/duh17/pideck/internal/http"
	"github.com/duh17/pideck/internal/pairing"
	"github.com/duh17/pideck/internal/permissions"
	"github.com/duh17/pideck/internal/sessions"
	"github.com/duh17/pideck/internal/skills"
	"github.com/duh17/pideck/internal/store"
	filestore "github.com/duh17/pideck/internal/store/file"
	"github.com/duh17/pideck/internal/tracing"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(dataDir)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	if cfg.Server.AdminToken == "" {
		slog.Warn("no admin token configured, set PIDECK_ADMIN_TOKEN; only paired devices can call the API")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}

	fs, err := filestore.New(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	rules := permissions.NewRuleStore(filepath.Join(cfg.DataDir, "rules.json"))
	if err := rules.SeedIfEmpty(cfg.Policy.Preset); err != nil {
		slog.Warn("preset seeding failed", "preset", cfg.Policy.Preset, "error", err)
	}
	audit := permissions.NewAuditLog(filepath.Join(cfg.DataDir, "audit.jsonl"))
	gate := permissions.NewGate(rules, audit, cfg.ApprovalTimeout())

	skillReg, err := skills.NewRegistry(filepath.Join(cfg.DataDir, "skills"))
	if err != nil {
		slog.Error("skill registry failed", "error", err)
		os.Exit(1)
	}
	defer skillReg.Close()

	manager := sessions.NewManager(sessions.Options{
		Store:    fs,
		Gate:     gate,
		Launcher: &agent.PiLauncher{Binary: cfg.Agent.Binary},
		Fallback: permissions.Action(cfg.Policy.Fallback),
		Tracer:   tracer,
	})

	pm := pairing.NewManager(cfg.DataDir, cfg.Server.AdminToken, cfg.PairingMaxAge())

	// resolveSession maps a session id back to the workspace that owns
	// its record, with skill names resolved to loaded skill files.
	resolveSession := func(sessionID string) (store.Workspace, bool) {
		for _, ws := range fs.ListWorkspaces() {
			for _, sid := range fs.ListSessions(ws.ID) {
				if sid != sessionID {
					continue
				}
				resolved := make([]string, 0, len(ws.Skills))
				for _, sk := range skillReg.ResolveOrdered(ws.Skills) {
					resolved = append(resolved, sk.Path)
				}
				ws.Skills = resolved
				return ws, true
			}
		}
		return store.Workspace{}, false
	}

	gw := gateway.NewServer(gateway.Options{
		Manager:        manager,
		Gate:           gate,
		ResolveSession: resolveSession,
		Authorize:      gateway.BearerAuthorizer(pm.AuthorizeAPI),
		Keepalive:      cfg.Keepalive(),
	})

	rest := pideckhttp.NewHandler(pideckhttp.Options{
		Store:   fs,
		Manager: manager,
		Gate:    gate,
		Rules:   rules,
		Audit:   audit,
		Pairing: pm,
	})

	mux := http.NewServeMux()
	rest.RegisterRoutes(mux)
	mux.HandleFunc("GET /stream", gw.HandleWS)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("pideck listening", "addr", cfg.ListenAddr(), "data", cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
		gw.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
