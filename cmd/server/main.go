package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/auth"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/presence"
)

func main() {
	issue := pflag.String("issue", "", "print a development token for this user id and exit")
	ttl := pflag.Duration("ttl", 24*time.Hour, "lifetime of a token minted with --issue")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if *issue != "" {
		tok, err := auth.Issue(cfg.Auth.Secret, cfg.Auth.Issuer, domain.UserID(*issue), *ttl)
		if err != nil {
			log.Fatal().Err(err).Msg("issue token")
		}
		fmt.Println(tok)
		return
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open presence store")
	}
	defer store.Close()

	o := orch.New(store, app.SimplePolicy{})
	if err := o.Rooms.Reconcile(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to reconcile presence store")
	}
	permanent := make([]domain.RoomID, 0, len(cfg.PermanentRooms))
	for _, id := range cfg.PermanentRooms {
		permanent = append(permanent, domain.RoomID(id))
	}
	if err := o.Rooms.EnsurePermanent(ctx, permanent...); err != nil {
		log.Fatal().Err(err).Msg("failed to seed permanent rooms")
	}

	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	r := router.SetupRouter(ctx, cfg, o, verifier)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}

func openStore(cfg *config.Config) (core.PresenceStore, error) {
	if cfg.Store.Driver == "sqlite" {
		return presence.OpenSQLite(cfg.Store.Path)
	}
	return presence.NewMemoryStore(), nil
}
