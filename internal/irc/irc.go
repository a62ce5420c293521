// Package irc taps the platform's chat over a single IRC-over-WebSocket
// connection, fanning messages out to per-channel bounded queues.
package irc

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/riveroon/twitch-archive/pkg/logging"
	"github.com/riveroon/twitch-archive/pkg/monitoring"
)

const (
	// DefaultServerURL is the platform's chat WebSocket endpoint.
	DefaultServerURL = "wss://irc-ws.chat.twitch.tv:443"

	// queueBound caps each channel's message queue; producers drop on full.
	queueBound = 16

	reconnectAttempts = 10
	reconnectDelay    = 10 * time.Second
)

// forwarded lists the commands that carry a channel target and get fanned
// out to consumers.
var forwarded = map[string]bool{
	"CLEARCHAT":  true,
	"CLEARMSG":   true,
	"HOSTTARGET": true,
	"JOIN":       true,
	"NOTICE":     true,
	"PART":       true,
	"PRIVMSG":    true,
	"ROOMSTATE":  true,
	"USERNOTICE": true,
	"USERSTATE":  true,
}

// Receiver is the consumer side of one channel's queue. Messages are only
// buffered while the receiver is open.
type Receiver struct {
	ch     chan string
	isOpen *atomic.Bool
}

// Open transitions closed → open, reporting whether the transition occurred.
func (r *Receiver) Open() bool {
	return r.isOpen.CompareAndSwap(false, true)
}

// Close transitions open → closed, reporting whether the transition occurred.
func (r *Receiver) Close() bool {
	return r.isOpen.CompareAndSwap(true, false)
}

// Recv blocks until the next raw message line or ctx is done.
func (r *Receiver) Recv(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case msg := <-r.ch:
		return msg, nil
	}
}

type sender struct {
	ch     chan string
	isOpen *atomic.Bool
}

// trySend drops silently when the receiver is closed and reports a full
// queue so the caller can log it.
func (s *sender) trySend(msg string) bool {
	if !s.isOpen.Load() {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// BuilderConfig configures the chat connection.
type BuilderConfig struct {
	// URL defaults to DefaultServerURL.
	URL    string
	Logger logging.Logger
	// Metrics is optional.
	Metrics *monitoring.MetricsCollector
	// Fatal is invoked after reconnect attempts are exhausted; defaults to
	// exiting the process.
	Fatal func()
}

// Builder collects channel registrations before the connection is spawned.
// The channel map is read-only after Build.
type Builder struct {
	url    string
	logger logging.Logger
	fatal  func()
	chans  map[string]*sender

	reconnects prometheus.Counter
	dropped    *prometheus.CounterVec
}

// NewBuilder returns an empty builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	b := &Builder{
		url:    cfg.URL,
		logger: cfg.Logger,
		fatal:  cfg.Fatal,
		chans:  make(map[string]*sender),
	}
	if b.url == "" {
		b.url = DefaultServerURL
	}
	if b.fatal == nil {
		b.fatal = func() { os.Exit(1) }
	}
	if cfg.Metrics != nil {
		b.reconnects = cfg.Metrics.NewCounter(
			"irc_reconnects_total", "IRC connection attempts after the first", nil).
			WithLabelValues()
		b.dropped = cfg.Metrics.NewCounter(
			"chat_dropped_total", "Chat messages dropped because a queue was full",
			[]string{"channel"})
	}
	return b
}

// Join registers a channel and returns its receiver. The receiver starts
// closed; messages arriving while closed are dropped.
func (b *Builder) Join(channel string) *Receiver {
	ch := make(chan string, queueBound)
	isOpen := &atomic.Bool{}
	b.chans["#"+channel] = &sender{ch: ch, isOpen: isOpen}
	return &Receiver{ch: ch, isOpen: isOpen}
}

// Build spawns the reader task. No further Join calls are allowed.
func (b *Builder) Build() {
	b.logger.Debug("Spawning IRC handler")
	go b.run()
}

func (b *Builder) run() {
	tryCount := 0
	for tryCount <= reconnectAttempts {
		if tryCount > 0 && b.reconnects != nil {
			b.reconnects.Inc()
		}
		conn, err := b.connect()
		if err == nil {
			tryCount = 0
			if err := b.handle(conn); err != nil {
				b.logger.WithError(err).Error("Error while listening to IRC")
			} else {
				// Clean shutdown requested by the server.
				return
			}
		} else {
			if tryCount < reconnectAttempts {
				b.logger.WithError(err).WithField("attempt", tryCount).
					Warn("Cannot connect to IRC; retrying")
			} else {
				b.logger.WithError(err).Error("Cannot connect to IRC; aborting")
				b.fatal()
				return
			}
		}

		time.Sleep(reconnectDelay)
		tryCount++
	}
}

// connect dials the chat server, authenticates anonymously with the tags
// capability, and joins every registered channel.
func (b *Builder) connect() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
	if err != nil {
		return nil, err
	}

	nick := fmt.Sprintf("justinfan%d", 10000+rand.Intn(90000))
	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"NICK " + nick,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			conn.Close()
			return nil, err
		}
	}
	b.logger.WithField("nick", nick).Info("Connected to the IRC server")

	for channel := range b.chans {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("JOIN "+channel)); err != nil {
			b.logger.WithError(err).WithField("channel", channel).
				Warn("Error while joining channel")
		}
	}
	return conn, nil
}

// handle reads frames until the connection errors. A nil return means the
// server asked us to quit.
func (b *Builder) handle(conn *websocket.Conn) error {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				b.logger.Info("IRC connection closed by server")
				return nil
			}
			return err
		}

		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			b.dispatch(conn, line)
		}
	}
}

func (b *Builder) dispatch(conn *websocket.Conn, line string) {
	cmd, channel := parseLine(line)

	if cmd == "PING" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("PONG :tmi.twitch.tv")); err != nil {
			b.logger.WithError(err).Warn("Failed to answer IRC ping")
		}
		return
	}
	if !forwarded[cmd] || channel == "" {
		b.logger.WithField("command", cmd).Trace("Ignoring IRC command")
		return
	}

	s, ok := b.chans[channel]
	if !ok {
		b.logger.WithField("channel", channel).Warn("Received IRC message for unknown channel")
		return
	}
	if !s.trySend(line) {
		if b.dropped != nil {
			b.dropped.WithLabelValues(channel).Inc()
		}
		b.logger.WithField("channel", channel).Warn("Chat queue full, dropping message")
	}
}

// parseLine extracts the command and its channel parameter from a raw IRC
// line of the shape [@tags ][:prefix ]COMMAND [params].
func parseLine(line string) (cmd, channel string) {
	rest := line
	if strings.HasPrefix(rest, "@") {
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			rest = rest[i+1:]
		} else {
			return "", ""
		}
	}
	if strings.HasPrefix(rest, ":") {
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			rest = rest[i+1:]
		} else {
			return "", ""
		}
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", ""
	}
	cmd = fields[0]
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "#") {
			return cmd, f
		}
		if strings.HasPrefix(f, ":") {
			break
		}
	}
	return cmd, ""
}
