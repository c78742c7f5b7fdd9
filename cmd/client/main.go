package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/huddle/internal/adapters/rtc"
	"github.com/dkeye/huddle/internal/client"
	"github.com/dkeye/huddle/internal/client/mesh"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

func main() {
	uid := pflag.String("user", "", "local user id, must match the token subject")
	token := pflag.String("token", "", "bearer token (defaults to client.token)")
	room := pflag.String("room", "", "room to join on start instead of a fresh one")
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
	local := domain.UserID(*uid)
	if err := local.Validate(); err != nil {
		log.Fatal().Err(err).Msg("--user is required")
	}
	if *token == "" {
		*token = cfg.Client.Token
	}

	sock := client.NewSocket(client.SocketConfig{
		URL:          cfg.Client.ServerURL,
		Version:      protocol.Version,
		ReconnectMin: cfg.Client.ReconnectMin,
		ReconnectMax: cfg.Client.ReconnectMax,
		SendBuffer:   cfg.SendBuffer,
	}, client.StaticToken(*token))

	rtcCfg := rtc.DefaultWebRTCConfig(cfg.Client.ICEServers)
	factory := func(remote domain.UserID) (mesh.Transport, error) {
		return rtc.NewConnection(rtcCfg, remote)
	}
	sinks := newSinkSet(ctx)
	ctrl := mesh.NewController(local, factory, client.Signaler{Conn: sock}, sinks, cfg.Client.MaxICERestarts)

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", string(local))
	if err != nil {
		log.Fatal().Err(err).Msg("create local track")
	}
	ctrl.SetLocalTrack(track)

	session := client.NewRoomSession(sock, ctrl)
	session.OnPinged = func(from domain.UserID) {
		log.Info().Str("from", string(from)).Msg("you were pinged")
	}
	session.OnRejected = func(r *domain.RoomID, reason string) {
		log.Warn().Str("reason", reason).Msg("join rejected")
	}
	monitor := client.NewPresenceMonitor(sock, session, cfg.Client.IdleTimeout)
	defer monitor.Stop()

	sock.OnConnect(func(reconnect bool) {
		if reconnect {
			return
		}
		if *room == "" {
			monitor.Visible()
			return
		}
		id := domain.RoomID(*room)
		if err := sock.Emit(protocol.TypeActive, nil); err != nil {
			log.Warn().Err(err).Msg("emit active")
		}
		if err := session.Join(&id, false); err != nil {
			log.Warn().Err(err).Msg("join")
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sock.Run(gctx) })
	g.Go(func() error { return writeSilence(gctx, track) })
	g.Go(func() error {
		watchVisibility(gctx, monitor)
		return nil
	})

	err = g.Wait()
	ctrl.CloseAll()
	switch {
	case errors.Is(err, client.ErrProtocolVersion):
		log.Fatal().Msg("this client is too old for the server, please upgrade")
	case err != nil && !errors.Is(err, context.Canceled):
		log.Error().Err(err).Msg("client stopped")
	default:
		log.Info().Msg("client exited")
	}
}

// watchVisibility maps SIGUSR1/SIGUSR2 to going to background/foreground.
func watchVisibility(ctx context.Context, monitor *client.PresenceMonitor) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			if s == syscall.SIGUSR1 {
				log.Info().Msg("hidden")
				monitor.Hidden()
			} else {
				log.Info().Msg("visible")
				monitor.Visible()
			}
		}
	}
}
