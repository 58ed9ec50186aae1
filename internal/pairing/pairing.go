// Package pairing issues and validates the three bearer token classes:
// the admin token, auth device tokens minted by redeeming a single-use
// pairing token, and push device tokens that never grant API access.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Token classes.
const (
	ClassAdmin      = "admin"
	ClassAuthDevice = "auth"
	ClassPushDevice = "push"
)

var (
	// ErrMissing means no pairing token was supplied.
	ErrMissing = errors.New("pairing token required")
	// ErrInvalid covers unknown, already-used and expired tokens.
	ErrInvalid = errors.New("pairing token invalid")
	// ErrRateLimited means the source exhausted its attempt budget.
	ErrRateLimited = errors.New("too many pairing attempts")
)

// pairAttemptBurst is how many attempts a source gets before 429.
const pairAttemptBurst = 8

// Device is one paired client.
type Device struct {
	Token     string    `json:"token"`
	Name      string    `json:"name,omitempty"`
	Class     string    `json:"class"` // auth or push
	CreatedAt time.Time `json:"createdAt"`
}

type pairingToken struct {
	createdAt time.Time
	used      bool
}

// Manager owns pairing tokens in memory and paired devices on disk at
// <data>/devices.json.
type Manager struct {
	mu         sync.Mutex
	path       string
	adminToken string
	maxAge     time.Duration

	devices  map[string]Device // keyed by token
	pending  map[string]*pairingToken
	limiters map[string]*rate.Limiter
}

// NewManager loads any persisted devices. A corrupt or missing device
// file starts empty.
func NewManager(dataDir, adminToken string, maxAge time.Duration) *Manager {
	m := &Manager{
		path:       filepath.Join(dataDir, "devices.json"),
		adminToken: adminToken,
		maxAge:     maxAge,
		devices:    make(map[string]Device),
		pending:    make(map[string]*pairingToken),
		limiters:   make(map[string]*rate.Limiter),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var list []Device
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Warn("device file corrupt, starting empty", "path", m.path, "error", err)
		return
	}
	for _, d := range list {
		if d.Token != "" {
			m.devices[d.Token] = d
		}
	}
}

// save persists devices atomically. Caller holds m.mu.
func (m *Manager) save() error {
	list := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		list = append(list, d)
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func newToken(prefix string) string {
	b := make([]byte, 24)
	rand.Read(b)
	return prefix + "_" + hex.EncodeToString(b)
}

// NewPairingToken mints a single-use pairing token. Only the admin
// surface should call this.
func (m *Manager) NewPairingToken() string {
	tok := newToken("pair")
	m.mu.Lock()
	m.pending[tok] = &pairingToken{createdAt: time.Now()}
	m.mu.Unlock()
	return tok
}

func (m *Manager) limiter(source string) *rate.Limiter {
	if l, ok := m.limiters[source]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(time.Minute), pairAttemptBurst)
	m.limiters[source] = l
	return l
}

// Redeem consumes a pairing token and mints an auth device token.
// source identifies the caller for rate limiting (remote address).
func (m *Manager) Redeem(token, source, name string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.limiter(source).Allow() {
		slog.Warn("security.pairing_rate_limited", "source", source)
		return Device{}, ErrRateLimited
	}
	if token == "" {
		return Device{}, ErrMissing
	}
	pt, ok := m.pending[token]
	if !ok || pt.used || time.Since(pt.createdAt) > m.maxAge {
		slog.Warn("security.pairing_rejected", "source", source)
		return Device{}, ErrInvalid
	}
	pt.used = true

	d := Device{
		Token:     newToken("dev"),
		Name:      name,
		Class:     ClassAuthDevice,
		CreatedAt: time.Now(),
	}
	m.devices[d.Token] = d
	if err := m.save(); err != nil {
		return Device{}, fmt.Errorf("persist device: %w", err)
	}
	slog.Info("device paired", "name", name, "source", source)
	return d, nil
}

// RegisterPushDevice mints a push-only token. Push tokens never grant
// API access.
func (m *Manager) RegisterPushDevice(name string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Device{
		Token:     newToken("push"),
		Name:      name,
		Class:     ClassPushDevice,
		CreatedAt: time.Now(),
	}
	m.devices[d.Token] = d
	if err := m.save(); err != nil {
		return Device{}, fmt.Errorf("persist device: %w", err)
	}
	return d, nil
}

// Classify maps a bearer token to its class, or "" for unknown.
func (m *Manager) Classify(token string) string {
	if token == "" {
		return ""
	}
	if m.adminToken != "" && token == m.adminToken {
		return ClassAdmin
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[token]; ok {
		return d.Class
	}
	return ""
}

// AuthorizeAPI reports whether a token may call API routes: admin and
// auth device tokens qualify, push device tokens do not.
func (m *Manager) AuthorizeAPI(token string) bool {
	switch m.Classify(token) {
	case ClassAdmin, ClassAuthDevice:
		return true
	}
	return false
}

// Devices returns the paired device list, tokens included (admin-only
// surface).
func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		list = append(list, d)
	}
	return list
}
