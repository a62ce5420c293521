package main

import (
	"context"

	"github.com/sirupsen/logrus"

	archivercfg "github.com/riveroon/twitch-archive/internal/config"
	"github.com/riveroon/twitch-archive/internal/eventsub"
	"github.com/riveroon/twitch-archive/internal/extractor"
	"github.com/riveroon/twitch-archive/internal/filename"
	"github.com/riveroon/twitch-archive/internal/helix"
	"github.com/riveroon/twitch-archive/internal/hls"
	"github.com/riveroon/twitch-archive/internal/irc"
	"github.com/riveroon/twitch-archive/internal/supervisor"
	"github.com/riveroon/twitch-archive/pkg/config"
	"github.com/riveroon/twitch-archive/pkg/logging"
	"github.com/riveroon/twitch-archive/pkg/monitoring"
	"github.com/riveroon/twitch-archive/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("archiver")
	config.LoadEnv(logger)

	closer, err := logging.ConfigureOutput(logger, logging.Output{
		File:   config.GetEnv("LOG_OUTPUT", ""),
		Stderr: config.GetEnvBool("LOG_STDERR", false),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure log output")
	}
	if closer != nil {
		defer closer.Close()
	}

	info := version.GetInfo()
	logger.WithFields(logrus.Fields{
		"version": info.Version,
		"commit":  info.GitCommit,
		"build":   info.BuildDate,
	}).Info("Starting Twitch Archiver")

	cfg, err := archivercfg.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	metrics := monitoring.NewMetricsCollector("archiver", info.Version, version.GetShortCommit())
	health := monitoring.NewHealthChecker("archiver", info.Version)
	health.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"TWITCH_CLIENT_ID": cfg.ClientID,
		"PUBLIC_URL":       cfg.PublicURL,
	}))

	ctx := context.Background()

	auth, err := helix.NewAuth(ctx, helix.AuthConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Logger:       logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to obtain platform credentials")
	}

	users := resolveUsers(ctx, auth, cfg.Channels, logger)
	if len(users) == 0 {
		logger.Fatal("No usable channels in subscription list")
	}

	chatBuilder := irc.NewBuilder(irc.BuilderConfig{Logger: logger, Metrics: metrics})
	channels := make([]supervisor.Channel, 0, len(users))
	for _, u := range users {
		channels = append(channels, supervisor.Channel{
			User:     u.user,
			Chat:     chatBuilder.Join(u.user.Login),
			Settings: u.settings,
		})
	}
	chatBuilder.Build()

	events := eventsub.NewManager(eventsub.Config{
		Auth:      auth,
		PublicURL: cfg.PublicURL,
		Logger:    logger,
		Health:    health,
		Metrics:   metrics,
	})
	go func() {
		if err := events.Start(cfg.ListenAddr()); err != nil {
			logger.WithError(err).Fatal("Callback server failed")
		}
	}()

	if err := events.Wipe(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to wipe leftover subscriptions")
	}

	var resolver extractor.Resolver
	switch cfg.Extractor {
	case archivercfg.ExtractorStreamlink:
		resolver = extractor.NewStreamlink(cfg.AuthHeader, logger)
	default:
		resolver = extractor.NewInternal(extractor.InternalConfig{
			Auth:   cfg.AuthHeader,
			Logger: logger,
		})
	}

	formatter, err := filename.New(cfg.Output)
	if err != nil {
		logger.WithError(err).Fatal("Invalid output template")
	}

	sup := supervisor.New(supervisor.Deps{
		Config:    cfg,
		Auth:      auth,
		Events:    events,
		Resolver:  resolver,
		Ripper:    hls.NewRipper(logger),
		Formatter: formatter,
		Logger:    logger,
		Metrics:   metrics,
	})

	logger.WithField("channels", len(channels)).Info("Archiver running")
	sup.Archive(ctx, channels)
}

type resolvedChannel struct {
	user     helix.User
	settings archivercfg.Channel
}

// resolveUsers fills in the identity of each subscription-list entry,
// skipping entries the platform cannot resolve.
func resolveUsers(ctx context.Context, auth *helix.Auth, channels []archivercfg.Channel, logger logging.Logger) []resolvedChannel {
	var out []resolvedChannel
	for _, ch := range channels {
		var (
			user helix.User
			err  error
		)
		switch {
		case ch.ID != "" && ch.Login != "" && ch.Name != "":
			user = helix.User{ID: ch.ID, Login: ch.Login, DisplayName: ch.Name}
		case ch.ID != "":
			user, err = helix.GetUserByID(ctx, auth, ch.ID)
		default:
			user, err = helix.GetUserByLogin(ctx, auth, ch.Login)
		}
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"id":    ch.ID,
				"login": ch.Login,
			}).Error("Could not resolve channel user")
			continue
		}
		out = append(out, resolvedChannel{user: user, settings: ch})
	}
	return out
}
