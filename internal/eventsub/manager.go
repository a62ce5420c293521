package eventsub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/riveroon/twitch-archive/internal/helix"
	"github.com/riveroon/twitch-archive/internal/randhex"
	"github.com/riveroon/twitch-archive/pkg/logging"
	"github.com/riveroon/twitch-archive/pkg/middleware"
	"github.com/riveroon/twitch-archive/pkg/monitoring"
)

const (
	headerMessageType      = "Twitch-Eventsub-Message-Type"
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"

	messageTypeVerification = "webhook_callback_verification"
	messageTypeNotification = "notification"
	messageTypeRevocation   = "revocation"

	// secretLen is the length in hex characters of generated webhook secrets.
	secretLen = 10
)

// entry is the manager-side state for one subscription. The status cell and
// queue are shared with the consumer's Subscription handle.
type entry struct {
	secret    string
	eventType EventType
	status    *StatusCell
	queue     *eventQueue
}

// Config carries the collaborators a Manager needs.
type Config struct {
	Auth *helix.Auth
	// PublicURL is the externally reachable HTTPS base; the webhook
	// callback is registered at PublicURL + "/callback".
	PublicURL string
	Logger    logging.Logger
	Health    *monitoring.HealthChecker
	Metrics   *monitoring.MetricsCollector
}

// Manager owns the webhook callback server and the local subscription
// index. All remote operations go through the shared credential broker.
type Manager struct {
	auth        *helix.Auth
	callbackURL string
	logger      logging.Logger
	index       sync.Map // subscription id → *entry
	router      *gin.Engine

	callbacksTotal *prometheus.CounterVec
}

// NewManager builds a manager and its callback router. Call Start to begin
// serving.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		auth:        cfg.Auth,
		callbackURL: strings.TrimSuffix(cfg.PublicURL, "/") + "/callback",
		logger:      cfg.Logger,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	router.Use(middleware.RecoveryMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.MetricsMiddleware())
		router.GET("/metrics", cfg.Metrics.Handler())
		m.callbacksTotal = cfg.Metrics.NewCounter(
			"eventsub_callbacks_total",
			"Webhook callback messages by type and outcome",
			[]string{"type", "outcome"},
		)
	}
	if cfg.Health != nil {
		router.GET("/health", cfg.Health.Handler())
	}
	router.POST("/callback", m.handleCallback)
	m.router = router

	return m
}

// Router exposes the callback router, mainly for serving and tests.
func (m *Manager) Router() *gin.Engine { return m.router }

// Start serves the callback router on addr. It blocks like
// http.ListenAndServe.
func (m *Manager) Start(addr string) error {
	m.logger.WithFields(logrus.Fields{
		"addr":     addr,
		"callback": m.callbackURL,
	}).Info("Starting EventSub callback server")
	return m.router.Run(addr)
}

func (m *Manager) countCallback(msgType, outcome string) {
	if m.callbacksTotal != nil {
		m.callbacksTotal.WithLabelValues(msgType, outcome).Inc()
	}
}

// verifySignature checks the HMAC-SHA256 header over message id, timestamp
// and raw body. The header carries a "sha256=" prefixed lowercase hex digest.
func verifySignature(secret, msgID, timestamp string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msgID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (m *Manager) handleCallback(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	msgType := c.GetHeader(headerMessageType)
	msgID := c.GetHeader(headerMessageID)
	timestamp := c.GetHeader(headerMessageTimestamp)
	signature := c.GetHeader(headerMessageSignature)

	switch msgType {
	case messageTypeVerification:
		m.handleVerification(c, body, msgID, timestamp, signature)
	case messageTypeNotification:
		m.handleNotification(c, body, msgID, timestamp, signature)
	case messageTypeRevocation:
		m.handleRevocation(c, body, msgID, timestamp, signature)
	default:
		m.logger.WithField("msg_type", msgType).Warn("Unrecognized callback message type")
		m.countCallback(msgType, "bad_request")
		c.Status(http.StatusBadRequest)
	}
}

func (m *Manager) handleVerification(c *gin.Context, body []byte, msgID, timestamp, signature string) {
	var payload struct {
		Challenge    string `json:"challenge"`
		Subscription struct {
			ID string `json:"id"`
		} `json:"subscription"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		m.countCallback(messageTypeVerification, "bad_request")
		c.Status(http.StatusBadRequest)
		return
	}

	v, ok := m.index.Load(payload.Subscription.ID)
	if !ok {
		m.countCallback(messageTypeVerification, "unknown")
		c.Status(http.StatusNotFound)
		return
	}
	e := v.(*entry)

	if !verifySignature(e.secret, msgID, timestamp, body, signature) {
		m.logger.WithField("subscription", payload.Subscription.ID).
			Warn("Verification challenge failed signature check")
		m.countCallback(messageTypeVerification, "bad_signature")
		c.Status(http.StatusUnauthorized)
		return
	}

	if !e.status.CompareAndSwap(StatusVerificationPending, StatusEnabled) {
		m.countCallback(messageTypeVerification, "conflict")
		c.String(http.StatusConflict, e.status.Load().String())
		return
	}

	m.logger.WithField("subscription", payload.Subscription.ID).Info("Subscription verified")
	m.countCallback(messageTypeVerification, "ok")
	c.String(http.StatusOK, payload.Challenge)
}

func (m *Manager) handleNotification(c *gin.Context, body []byte, msgID, timestamp, signature string) {
	var payload struct {
		Subscription struct {
			ID string `json:"id"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		m.countCallback(messageTypeNotification, "bad_request")
		c.Status(http.StatusBadRequest)
		return
	}

	v, ok := m.index.Load(payload.Subscription.ID)
	if !ok {
		m.countCallback(messageTypeNotification, "unknown")
		c.Status(http.StatusNotFound)
		return
	}
	e := v.(*entry)

	if !verifySignature(e.secret, msgID, timestamp, body, signature) {
		m.logger.WithField("subscription", payload.Subscription.ID).
			Warn("Notification failed signature check")
		m.countCallback(messageTypeNotification, "bad_signature")
		c.Status(http.StatusUnauthorized)
		return
	}

	if cur := e.status.Load(); cur != StatusEnabled {
		m.countCallback(messageTypeNotification, "conflict")
		c.String(http.StatusConflict, cur.String())
		return
	}

	if err := e.queue.push(payload.Event); err != nil {
		// Consumer hung up. Drop the entry and tell the platform to stop.
		m.index.Delete(payload.Subscription.ID)
		m.logger.WithField("subscription", payload.Subscription.ID).
			Info("Consumer gone, rejecting further notifications")
		m.countCallback(messageTypeNotification, "gone")
		c.Status(http.StatusGone)
		return
	}

	m.countCallback(messageTypeNotification, "ok")
	c.Status(http.StatusOK)
}

func (m *Manager) handleRevocation(c *gin.Context, body []byte, msgID, timestamp, signature string) {
	var payload struct {
		Subscription struct {
			ID     string `json:"id"`
			Status Status `json:"status"`
		} `json:"subscription"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		m.countCallback(messageTypeRevocation, "bad_request")
		c.Status(http.StatusBadRequest)
		return
	}

	v, ok := m.index.LoadAndDelete(payload.Subscription.ID)
	if !ok {
		m.countCallback(messageTypeRevocation, "unknown")
		c.Status(http.StatusNotFound)
		return
	}
	e := v.(*entry)

	if !verifySignature(e.secret, msgID, timestamp, body, signature) {
		// Entry already removed; a forged revocation should not kill the
		// subscription, so put it back.
		m.index.Store(payload.Subscription.ID, e)
		m.countCallback(messageTypeRevocation, "bad_signature")
		c.Status(http.StatusUnauthorized)
		return
	}

	e.status.Swap(payload.Subscription.Status)
	e.queue.close()

	m.logger.WithFields(logrus.Fields{
		"subscription": payload.Subscription.ID,
		"status":       payload.Subscription.Status.String(),
	}).Warn("Subscription revoked")
	m.countCallback(messageTypeRevocation, "ok")
	c.Status(http.StatusOK)
}

// Subscribe registers a webhook subscription for typ with the given
// condition and returns the consumer handle. The subscription starts in
// the verification-pending state until the platform's challenge succeeds.
func (m *Manager) Subscribe(ctx context.Context, typ EventType, condition any) (*Subscription, error) {
	secret := randhex.String(secretLen)

	reqBody, err := json.Marshal(map[string]any{
		"type":      typ.Name,
		"version":   typ.Version,
		"condition": condition,
		"transport": map[string]string{
			"method":   "webhook",
			"callback": m.callbackURL,
			"secret":   secret,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventsub: marshal subscribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.auth.APIURL("/eventsub/subscriptions"), bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("eventsub: build subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res struct {
		Data []struct {
			ID     string `json:"id"`
			Status Status `json:"status"`
		} `json:"data"`
	}
	if err := m.auth.DoJSON(req, &res); err != nil {
		return nil, fmt.Errorf("eventsub: create subscription: %w", err)
	}
	if len(res.Data) != 1 {
		return nil, fmt.Errorf("eventsub: subscribe response carried %d records", len(res.Data))
	}

	e := &entry{
		secret:    secret,
		eventType: typ,
		status:    NewStatusCell(res.Data[0].Status),
		queue:     newEventQueue(),
	}
	m.index.Store(res.Data[0].ID, e)

	m.logger.WithFields(logrus.Fields{
		"subscription": res.Data[0].ID,
		"type":         typ.Name,
	}).Info("Subscription created, awaiting verification")

	return &Subscription{
		id:        res.Data[0].ID,
		eventType: typ,
		status:    e.status,
		queue:     e.queue,
	}, nil
}

// RemoteSubscription is one record from the platform's subscription list.
type RemoteSubscription struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Condition json.RawMessage `json:"condition"`
	CreatedAt string          `json:"created_at"`
}

// List fetches every subscription registered for these credentials,
// following pagination cursors.
func (m *Manager) List(ctx context.Context) ([]RemoteSubscription, error) {
	var all []RemoteSubscription
	cursor := ""
	for {
		query := url.Values{}
		if cursor != "" {
			query.Set("after", cursor)
		}
		target := m.auth.APIURL("/eventsub/subscriptions")
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("eventsub: build list request: %w", err)
		}

		var res struct {
			Data       []RemoteSubscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := m.auth.DoJSON(req, &res); err != nil {
			return nil, fmt.Errorf("eventsub: list subscriptions: %w", err)
		}
		all = append(all, res.Data...)
		if res.Pagination.Cursor == "" {
			return all, nil
		}
		cursor = res.Pagination.Cursor
	}
}

// Delete deregisters a subscription remotely and drops any local entry.
func (m *Manager) Delete(ctx context.Context, id string) error {
	query := url.Values{"id": {id}}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		m.auth.APIURL("/eventsub/subscriptions")+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("eventsub: build delete request: %w", err)
	}

	resp, err := m.auth.Do(req)
	if err != nil {
		return fmt.Errorf("eventsub: delete subscription %s: %w", id, err)
	}
	resp.Body.Close()

	if v, ok := m.index.LoadAndDelete(id); ok {
		v.(*entry).queue.close()
	}
	return nil
}

// Clean deletes every remote subscription in a broken state, leaving
// enabled and pending ones alone.
func (m *Manager) Clean(ctx context.Context) error {
	subs, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Status.OK() {
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"subscription": sub.ID,
			"status":       sub.Status.String(),
		}).Info("Cleaning broken subscription")
		if err := m.Delete(ctx, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

// Wipe deletes every remote subscription for these credentials.
func (m *Manager) Wipe(ctx context.Context) error {
	subs, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := m.Delete(ctx, sub.ID); err != nil {
			return err
		}
	}
	if len(subs) > 0 {
		m.logger.WithField("count", len(subs)).Info("Wiped existing subscriptions")
	}
	return nil
}
