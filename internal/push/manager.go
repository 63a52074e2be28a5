package push

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flomonster/sentryhub/internal/observability"
	"github.com/flomonster/sentryhub/pkg/models"
)

// Sender delivers an already-VAPID-authorized push payload to one
// subscription. Implementations classify permanent failures (404/410) via
// StatusCode so the Manager can reap the subscription.
type Sender interface {
	Send(ctx context.Context, sub models.PushSubscription, payload []byte, vapidJWT, vapidPublicKey string) (statusCode int, err error)
}

// Payload is the JSON body of a push message.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
}

const (
	pinTTL        = 5 * time.Minute
	subscriptionsFile = "subscriptions.json"
)

// Manager owns VAPID keys, subscriptions, and device presence for one hub.
type Manager struct {
	mu            sync.Mutex
	dataDir       string
	keys          *VAPIDKeys
	sender        Sender
	subscriptions map[string]*models.PushSubscription // deviceId -> subscription
	presence      map[string]devicePresence
	logger        *slog.Logger
	now           func() time.Time
	metrics       *observability.Metrics
}

type devicePresence struct {
	connected bool
	visible   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option { return func(m *Manager) { m.logger = logger } }

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithSender overrides the delivery mechanism, for tests.
func WithSender(s Sender) Option { return func(m *Manager) { m.sender = s } }

// WithMetrics attaches delivery instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager rooted at dataDir, loading or generating
// VAPID keys and any previously verified subscriptions.
func NewManager(dataDir, vapidSubject string, opts ...Option) (*Manager, error) {
	keys, err := LoadOrGenerateVAPIDKeys(dataDir, vapidSubject)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dataDir:       dataDir,
		keys:          keys,
		sender:        &httpSender{},
		subscriptions: make(map[string]*models.PushSubscription),
		presence:      make(map[string]devicePresence),
		logger:        slog.Default().With("component", "push-manager"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) subscriptionsPath() string {
	return filepath.Join(m.dataDir, "push", subscriptionsFile)
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.subscriptionsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var subs []models.PushSubscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return fmt.Errorf("push: parse subscriptions: %w", err)
	}
	for i := range subs {
		// Only verified subscriptions survive reload (spec §4.10).
		if subs[i].Verified {
			s := subs[i]
			m.subscriptions[s.DeviceID] = &s
		}
	}
	return nil
}

func (m *Manager) persist() error {
	subs := make([]models.PushSubscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		if s.Verified {
			subs = append(subs, *s)
		}
	}
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return err
	}
	path := m.subscriptionsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// PublicKey returns the VAPID public key for `applicationServerKey`.
func (m *Manager) PublicKey() string { return m.keys.PublicKeyBase64() }

func generatePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// Subscribe registers a tentative subscription, sends a PIN-bearing push to
// it, and returns an error (dropping the tentative subscription) if that
// initial push fails to send (spec §4.10 step 4).
func (m *Manager) Subscribe(ctx context.Context, deviceID, endpoint, p256dh, auth string) error {
	pin, err := generatePIN()
	if err != nil {
		return err
	}

	sub := &models.PushSubscription{
		DeviceID:     deviceID,
		Endpoint:     endpoint,
		P256dh:       p256dh,
		Auth:         auth,
		PIN:          pin,
		PINExpiresAt: m.now().Add(pinTTL),
		Verified:     false,
	}

	payload, err := json.Marshal(Payload{
		Title: "flo.monster",
		Body:  fmt.Sprintf("Your verification code is %s", pin),
		Tag:   "pin-verification",
	})
	if err != nil {
		return err
	}

	if err := m.deliver(ctx, *sub, payload); err != nil {
		return fmt.Errorf("push: pin delivery failed, subscription dropped: %w", err)
	}

	m.mu.Lock()
	m.subscriptions[deviceID] = sub
	m.mu.Unlock()
	return nil
}

// VerifyPin marks a tentative subscription verified when pin matches within
// TTL and it has not already been verified (spec §4.10 step 3).
func (m *Manager) VerifyPin(deviceID, pin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[deviceID]
	if !ok || sub.Verified {
		return false
	}
	if sub.PIN == "" || sub.PIN != pin {
		return false
	}
	if m.now().After(sub.PINExpiresAt) {
		return false
	}

	sub.Verified = true
	sub.PIN = ""
	_ = m.persist()
	return true
}

// SetDeviceConnected updates a device's connection presence.
func (m *Manager) SetDeviceConnected(deviceID string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.presence[deviceID]
	p.connected = connected
	m.presence[deviceID] = p
}

// SetDeviceVisibility updates a device's visibility presence.
func (m *Manager) SetDeviceVisibility(deviceID string, visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.presence[deviceID]
	p.visible = visible
	m.presence[deviceID] = p
}

// IsAnyDeviceActive reports whether any device is both connected and
// visible (spec §8 property).
func (m *Manager) IsAnyDeviceActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.presence {
		if p.connected && p.visible {
			return true
		}
	}
	return false
}

// SendPush delivers payload to every verified subscription, unless any
// device is currently active, in which case it is a no-op (spec §4.10).
// Subscriptions whose endpoint responds 404/410 are reaped; other errors are
// treated as transient and the subscription is retained.
func (m *Manager) SendPush(ctx context.Context, payload Payload) error {
	if m.IsAnyDeviceActive() {
		m.logger.Debug("push suppressed: a device is active")
		m.metrics.RecordPushSuppressed()
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	subs := make([]models.PushSubscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		if s.Verified {
			subs = append(subs, *s)
		}
	}
	m.mu.Unlock()

	var reaped []string
	for _, s := range subs {
		if err := m.deliver(ctx, s, data); err != nil {
			m.metrics.RecordPushDelivery("failed")
			status, _ := err.(*statusError)
			if status != nil && (status.code == 404 || status.code == 410) {
				reaped = append(reaped, s.DeviceID)
				m.metrics.RecordPushReaped()
				continue
			}
			m.logger.Warn("push delivery failed (transient)", "device", s.DeviceID, "error", err)
			continue
		}
		m.metrics.RecordPushDelivery("delivered")
	}

	if len(reaped) > 0 {
		m.mu.Lock()
		for _, id := range reaped {
			delete(m.subscriptions, id)
		}
		m.mu.Unlock()
		_ = m.persist()
	}
	return nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("push endpoint returned status %d", e.code) }

func (m *Manager) deliver(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	origin, err := endpointOrigin(sub.Endpoint)
	if err != nil {
		return err
	}
	jwtStr, err := m.keys.SignVAPIDJWT(origin)
	if err != nil {
		return err
	}
	status, err := m.sender.Send(ctx, sub, payload, jwtStr, m.PublicKey())
	if err != nil {
		return err
	}
	if status == 404 || status == 410 {
		return &statusError{code: status}
	}
	if status >= 300 {
		return fmt.Errorf("push: endpoint returned status %d", status)
	}
	return nil
}
