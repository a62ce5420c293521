// Package supervisor runs the per-channel archive loop: subscribe to the
// online event, await notifications, and drive the download of each stream.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/riveroon/twitch-archive/internal/artifact"
	"github.com/riveroon/twitch-archive/internal/chat"
	"github.com/riveroon/twitch-archive/internal/config"
	"github.com/riveroon/twitch-archive/internal/eventsub"
	"github.com/riveroon/twitch-archive/internal/extractor"
	"github.com/riveroon/twitch-archive/internal/filename"
	"github.com/riveroon/twitch-archive/internal/fsutil"
	"github.com/riveroon/twitch-archive/internal/helix"
	"github.com/riveroon/twitch-archive/internal/hls"
	"github.com/riveroon/twitch-archive/internal/randhex"
	"github.com/riveroon/twitch-archive/pkg/clients"
	"github.com/riveroon/twitch-archive/pkg/logging"
	"github.com/riveroon/twitch-archive/pkg/monitoring"
)

const (
	// Stream records can lag the online event; poll until one appears.
	streamPollAttempts = 12
	streamPollDelay    = 10 * time.Second

	workdirNameLen = 16
)

var errStreamNotFound = errors.New("supervisor: stream record not yet available")

// Channel is one supervised channel: its resolved identity, its chat queue,
// and its subscription-list settings.
type Channel struct {
	User     helix.User
	Chat     chat.Receiver
	Settings config.Channel
}

// Deps carries the supervisor's collaborators.
type Deps struct {
	Config    *config.Config
	Auth      *helix.Auth
	Events    *eventsub.Manager
	Resolver  extractor.Resolver
	Ripper    *hls.Ripper
	Formatter *filename.Formatter
	Logger    logging.Logger
	Metrics   *monitoring.MetricsCollector
}

// Supervisor drives every channel's archive loop.
type Supervisor struct {
	cfg       *config.Config
	auth      *helix.Auth
	events    *eventsub.Manager
	resolver  extractor.Resolver
	ripper    *hls.Ripper
	formatter *filename.Formatter
	logger    logging.Logger

	pollAttempts int
	pollDelay    time.Duration

	activeDownloads *prometheus.GaugeVec
	downloadsTotal  *prometheus.CounterVec
}

// New builds a supervisor from its collaborators.
func New(deps Deps) *Supervisor {
	s := &Supervisor{
		cfg:          deps.Config,
		auth:         deps.Auth,
		events:       deps.Events,
		resolver:     deps.Resolver,
		ripper:       deps.Ripper,
		formatter:    deps.Formatter,
		logger:       deps.Logger,
		pollAttempts: streamPollAttempts,
		pollDelay:    streamPollDelay,
	}
	if deps.Metrics != nil {
		s.activeDownloads = deps.Metrics.NewGauge(
			"active_downloads", "Streams currently being downloaded", nil)
		s.downloadsTotal = deps.Metrics.NewCounter(
			"downloads_total", "Finished download attempts by outcome", []string{"outcome"})
	}
	return s
}

// Archive supervises every channel until ctx ends. Each channel runs its own
// loop; a channel whose subscription cannot be created drops out alone.
func (s *Supervisor) Archive(ctx context.Context, channels []Channel) {
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			s.runChannel(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Supervisor) runChannel(ctx context.Context, ch Channel) {
	logger := s.logger.WithField("channel", ch.User.Login)

	for {
		sub, err := s.events.Subscribe(ctx, eventsub.StreamOnline,
			eventsub.StreamOnlineCondition{BroadcasterUserID: ch.User.ID})
		if err != nil {
			logger.WithError(err).Error("Could not subscribe to stream online events")
			return
		}
		logger.WithField("subscription", sub.ID()).Debug("Subscribed to stream online events")

		for {
			raw, err := sub.Recv(ctx)
			if errors.Is(err, eventsub.ErrQueueClosed) {
				logger.WithField("status", sub.Status().String()).
					Warn("Subscription closed, recreating")
				break
			}
			if err != nil {
				return
			}

			event, err := eventsub.DecodeStreamOnline(raw)
			if err != nil {
				logger.WithError(err).Error("Malformed stream online event")
				continue
			}
			logger.WithField("stream", event.ID).Debug("Received stream online event")

			stream, err := s.awaitStream(ctx, ch.User.ID)
			if err != nil {
				logger.WithError(err).Error("Could not fetch stream record")
				continue
			}

			if err := s.download(ctx, stream, ch); err != nil {
				s.countDownload("error")
				logger.WithError(err).WithField("stream", stream.ID).Error("Download failed")
			}
		}
	}
}

// awaitStream polls for the stream record, which the platform may publish a
// little after the online event.
func (s *Supervisor) awaitStream(ctx context.Context, userID string) (*helix.Stream, error) {
	return clients.Run(ctx, clients.RetryConfig{
		Attempts: s.pollAttempts,
		Delay:    s.pollDelay,
		Op:       "fetch stream record",
		Logger:   s.logger,
	}, func() (*helix.Stream, error) {
		stream, err := helix.GetStreamByUserID(ctx, s.auth, userID)
		if err != nil {
			return nil, err
		}
		if stream == nil {
			return nil, errStreamNotFound
		}
		return stream, nil
	})
}

// download rips one stream with its chat into a fresh working directory and
// finalizes the artifact.
func (s *Supervisor) download(ctx context.Context, stream *helix.Stream, ch Channel) error {
	logger := s.logger.WithFields(logrus.Fields{
		"channel": ch.User.Login,
		"stream":  stream.ID,
	})

	masterURL, err := s.resolver.PlaylistURL(ctx, stream.User.Login)
	if err != nil {
		return err
	}
	if masterURL == "" {
		return fmt.Errorf("supervisor: no playback available for %s", stream.User.Login)
	}

	workdir, err := fsutil.CreateDedupDir(
		filepath.Join(s.cfg.WorkRoot, randhex.String(workdirNameLen)))
	if err != nil {
		return fmt.Errorf("supervisor: create working directory: %w", err)
	}

	if s.activeDownloads != nil {
		s.activeDownloads.WithLabelValues().Inc()
		defer s.activeDownloads.WithLabelValues().Dec()
	}
	logger.Info("Downloading stream")

	done := make(chan struct{})
	chatErr := make(chan error, 1)
	go func() {
		chatErr <- chat.Log(ctx, ch.Chat,
			filepath.Join(workdir, "chat.log"), stream.StartedAt, done)
	}()

	result, err := s.ripper.Download(ctx, masterURL, workdir, ch.Settings.Formats())

	close(done)
	if cerr := <-chatErr; cerr != nil {
		logger.WithError(cerr).Error("Error while logging chat")
	}

	if err != nil {
		return err
	}
	if result == nil {
		_ = os.RemoveAll(workdir)
		s.countDownload("skipped")
		logger.Info("Skipping stream, no matching quality")
		return nil
	}

	segment, err := artifact.NewSegmentInfo(workdir, result)
	if err != nil {
		return err
	}
	if err := artifact.WriteInfo(workdir, stream, []artifact.SegmentInfo{segment}); err != nil {
		return err
	}

	final, err := artifact.Finalize(workdir, s.formatter.Format(stream), s.cfg.SaveToDir, s.logger)
	if err != nil {
		return err
	}

	s.countDownload("ok")
	logger.WithField("path", final).Info("Archived stream")
	return nil
}

func (s *Supervisor) countDownload(outcome string) {
	if s.downloadsTotal != nil {
		s.downloadsTotal.WithLabelValues(outcome).Inc()
	}
}
