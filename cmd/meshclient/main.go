package main

import (
	"context"
	"errors"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/isqad/livelook-mesh/internal/conference"
	"github.com/isqad/livelook-mesh/internal/config"
	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/media"
	"github.com/isqad/livelook-mesh/internal/rtc"
	"github.com/isqad/livelook-mesh/internal/signal"
	"github.com/isqad/livelook-mesh/internal/status"
)

func main() {
	app := &cli.App{
		Name:  "livelook-mesh",
		Usage: "Mesh video meeting client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "environment: either 'development' or 'production'",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a config file",
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "signaling relay websocket url, example: 'wss://relay.example.com/ws'",
			},
			&cli.StringFlag{
				Name:  "nickname",
				Usage: "display name announced to the meeting",
			},
			&cli.StringFlag{
				Name:  "create",
				Usage: "create a meeting with this id",
			},
			&cli.StringFlag{
				Name:  "join",
				Usage: "join the meeting with this id",
			},
			&cli.StringFlag{
				Name:  "source",
				Usage: "local source to publish: 'camera' or 'screen'",
			},
			&cli.StringFlag{
				Name:  "status-address",
				Usage: "listen IP and port of the status server, disabled when empty",
			},
		},
		Action: startClient,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}

func startClient(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	initLogger(conf.Env)

	webrtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := signal.Connect(ctx, conf.Signaling.URL, signal.DialOptions{
		HandshakeTimeout: conf.Signaling.HandshakeTimeout,
		WriteTimeout:     conf.Signaling.WriteTimeout,
		MaxMessageSize:   conf.Signaling.MaxMessageSize,
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	client := conference.NewClient(conference.Options{
		Signaler:     ch,
		NewTransport: rtc.NewTransportFactory(webrtcConf),
		Acquirer:     media.NewFileAcquirer(conf.Media),
		HistoryLimit: conf.Chat.HistoryLimit,
	})
	ch.OnMessage(client.HandleMessage)
	ch.OnClose(client.ChannelClosed)
	ch.Start()

	if conf.Status.Address != "" {
		go func() {
			if err := status.New(conf.Status.Address, client).Run(ctx); err != nil {
				log.Error().Err(err).Str("service", "status").Msg("status server failed")
			}
		}()
	}

	go runCommands(ctx, c, client)

	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("client stopped")
		return nil
	}

	return err
}

// runCommands issues the meeting commands given on the command line.
func runCommands(ctx context.Context, c *cli.Context, client *conference.Client) {
	if nickname := c.String("nickname"); nickname != "" {
		if err := client.SetNickname(ctx, nickname); err != nil {
			log.Error().Err(err).Msg("can't set nickname")
		}
	}

	if source := c.String("source"); source != "" {
		if err := client.StartLocalStream(ctx, core.SourceKind(source)); err != nil {
			log.Error().Err(err).Str("source", source).Msg("can't start local stream")
		}
	}

	switch {
	case c.String("create") != "":
		if err := client.CreateMeeting(ctx, c.String("create")); err != nil {
			log.Error().Err(err).Msg("can't create meeting")
		}
	case c.String("join") != "":
		if err := client.JoinMeeting(ctx, c.String("join")); err != nil {
			log.Error().Err(err).Msg("can't join meeting")
		}
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	conf, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if env := c.String("env"); env != "" {
		conf.Env = core.Environment(env)
	}
	if url := c.String("url"); url != "" {
		conf.Signaling.URL = url
	}
	if address := c.String("status-address"); address != "" {
		conf.Status.Address = address
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func initLogger(env core.Environment) {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}
