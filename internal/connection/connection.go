// Package connection owns the agent's connectivity state machine:
// registration, bearer-token lifecycle, and exponential-backoff retries
// against the verification server's HTTP+JSON protocol.
package connection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/bcherng/fim-agent/internal/hasher"
	"github.com/bcherng/fim-agent/internal/state"
	fimlog "github.com/bcherng/fim-agent/log"
)

// Status is the connectivity state.
type Status int

const (
	Disconnected Status = iota
	Connected
)

// BackoffConfig configures the exponential backoff applied between
// connection attempts.
type BackoffConfig struct {
	Base       time.Duration
	Cap        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig returns the default backoff: base 1s, multiplier 2,
// cap 600s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: time.Second, Cap: 600 * time.Second, Multiplier: 2}
}

// duration returns the backoff delay after the given number of consecutive
// failures: Base after the first failure, doubling per failure thereafter,
// capped at Cap.
func (c BackoffConfig) duration(failures int) time.Duration {
	if failures <= 1 {
		return c.Base
	}
	d := float64(c.Base) * math.Pow(c.Multiplier, float64(failures-1))
	if d > float64(c.Cap) {
		d = float64(c.Cap)
	}
	return time.Duration(d)
}

// ErrNotRegistered is returned when the server responds 401 with a body
// indicating the host is not registered — the deregistration signal.
var ErrNotRegistered = error(notRegisteredError{})

type notRegisteredError struct{}

func (notRegisteredError) Error() string { return "connection: host not registered" }

// RegisterRequest is the /api/clients/register payload.
type RegisterRequest struct {
	ClientID     string          `json:"client_id"`
	HardwareInfo json.RawMessage `json:"hardware_info,omitempty"`
	BaselineID   string          `json:"baseline_id,omitempty"`
	Platform     string          `json:"platform,omitempty"`
}

type registerResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Manager owns the Disconnected/Connected state machine and the HTTP
// transport to the verification server.
type Manager struct {
	baseURL string
	store   *state.Store
	backoff BackoffConfig
	log     *fimlog.Logger

	mu       sync.Mutex
	status   Status
	failures int

	// last401NotRegistered records whether the most recent 401 response
	// body indicated the host is not registered, distinguishing a plain
	// expired token from a deregistration signal.
	last401NotRegistered bool
}

// New creates a Manager targeting baseURL, persisting token lifecycle
// through store.
func New(baseURL string, store *state.Store, backoff BackoffConfig) *Manager {
	return &Manager{
		baseURL: baseURL,
		store:   store,
		backoff: backoff,
		log:     fimlog.Default().Module("connection"),
		status:  Disconnected,
	}
}

// Status returns the current connectivity state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// BackoffDelay returns how long the caller should wait before the next
// attempt, based on the consecutive-failure count.
func (m *Manager) BackoffDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.duration(m.failures)
}

// MarkDisconnected records a lost connection observed outside the manager's
// own calls, such as a failed acknowledge or a 5xx report response in the
// queue processor.
func (m *Manager) MarkDisconnected() { m.onFailure() }

// AttemptConnection returns success iff a persisted token is present and a
// lightweight verify call succeeds, or else a fresh registration succeeds.
// On success the backoff resets to base. On network failure the backoff
// failure count increases.
func (m *Manager) AttemptConnection(req RegisterRequest) error {
	token, _ := m.store.Token()
	if token != "" {
		if err := m.Verify(); err == nil {
			m.onSuccess()
			return nil
		} else if err == ErrNotRegistered {
			return m.deregister()
		}
	}

	if err := m.Register(req); err != nil {
		m.onFailure()
		return err
	}
	m.onSuccess()
	return nil
}

func (m *Manager) onSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = Connected
	m.failures = 0
}

func (m *Manager) onFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = Disconnected
	m.failures++
}

func (m *Manager) deregister() error {
	m.mu.Lock()
	m.status = Disconnected
	m.mu.Unlock()
	_ = m.store.ClearToken()
	_ = m.store.SetDeregistered(true)
	return ErrNotRegistered
}

// Register calls /api/clients/register and persists the returned token.
func (m *Manager) Register(req RegisterRequest) error {
	var resp registerResponse
	status, err := m.post("/api/clients/register", 10*time.Second, req, &resp, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("connection: register: status %d", status)
	}
	expires := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	m.crossCheckExpiry(resp.Token, expires)
	return m.store.SetToken(resp.Token, expires)
}

// crossCheckExpiry parses the exp claim out of the token purely as a
// bookkeeping cross-check against the server's expires_in value; it never
// verifies the signature (the server is the verifier) and never fails the
// caller closed on mismatch.
func (m *Manager) crossCheckExpiry(token string, serverExpiry time.Time) {
	if token == "" {
		return
	}
	parser := jwt.Parser{}
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return
	}
	expClaim, ok := claims["exp"]
	if !ok {
		return
	}
	expFloat, ok := expClaim.(float64)
	if !ok {
		return
	}
	tokenExpiry := time.Unix(int64(expFloat), 0)
	if tokenExpiry.Sub(serverExpiry).Abs() > time.Minute {
		m.log.Warn("jwt exp claim disagrees with expires_in",
			"token_exp", tokenExpiry, "server_expires_in", serverExpiry)
	}
}

// Verify calls /api/clients/verify with the persisted bearer token.
func (m *Manager) Verify() error {
	status, err := m.post("/api/clients/verify", 5*time.Second, nil, nil, true)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if m.notRegistered401() {
			return ErrNotRegistered
		}
		_ = m.store.ClearToken()
		return fmt.Errorf("connection: verify: unauthorized")
	}
	if status != http.StatusOK {
		return fmt.Errorf("connection: verify: status %d", status)
	}
	return nil
}

// notRegistered401 reports whether the most recent 401 response body carried
// the "not registered" marker post() parsed out of it.
func (m *Manager) notRegistered401() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last401NotRegistered
}

// HeartbeatRequest is the /api/clients/heartbeat payload — carries the
// *validated* root, never the in-memory tree root.
type HeartbeatRequest struct {
	FileCount      int           `json:"file_count"`
	CurrentRootHash hasher.Digest `json:"current_root_hash"`
}

// Heartbeat sends a heartbeat carrying the last server-validated root. A
// transport failure marks the manager disconnected so the orchestrator's
// next tick re-enters its reconnect path.
func (m *Manager) Heartbeat(req HeartbeatRequest) error {
	status, err := m.post("/api/clients/heartbeat", 5*time.Second, req, nil, true)
	if err != nil {
		m.onFailure()
		return err
	}
	if status == http.StatusUnauthorized {
		if m.notRegistered401() {
			return m.deregister()
		}
		_ = m.store.ClearToken()
		m.onFailure()
		return fmt.Errorf("connection: heartbeat: unauthorized")
	}
	return nil
}

// ReportRequest wraps the event record sent to /api/events/report.
type ReportRequest = state.Event

// ReportResponse is the server's acceptance of a reported event.
type ReportResponse struct {
	EventID    string          `json:"event_id"`
	Validation json.RawMessage `json:"validation"`
}

// Report POSTs an event record for validation. On a 401 it clears the
// token (and, if the body indicates "not registered", deregisters) before
// returning the status to the caller, matching Verify/Heartbeat's handling.
func (m *Manager) Report(e state.Event) (*ReportResponse, int, error) {
	var resp ReportResponse
	status, err := m.post("/api/events/report", 10*time.Second, e, &resp, true)
	if err != nil {
		return nil, status, err
	}
	if status == http.StatusUnauthorized {
		if m.notRegistered401() {
			_ = m.deregister()
		} else {
			_ = m.store.ClearToken()
			m.onFailure()
		}
		return nil, status, nil
	}
	if status != http.StatusOK {
		return nil, status, nil
	}
	return &resp, status, nil
}

// AcknowledgeRequest is the /api/events/acknowledge payload.
type AcknowledgeRequest struct {
	EventID           string          `json:"event_id"`
	ValidationReceived json.RawMessage `json:"validation_received"`
}

// Acknowledge POSTs the ack for a previously reported event.
func (m *Manager) Acknowledge(req AcknowledgeRequest) (int, error) {
	status, err := m.post("/api/events/acknowledge", 5*time.Second, req, nil, true)
	return status, err
}

// ReregisterRequest is the /api/clients/reregister payload.
type ReregisterRequest struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Reregister calls /api/clients/reregister and clears the deregistered flag
// on success.
func (m *Manager) Reregister(req ReregisterRequest) error {
	var resp registerResponse
	status, err := m.post("/api/clients/reregister", 10*time.Second, req, &resp, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("connection: reregister: status %d", status)
	}
	expires := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if err := m.store.SetToken(resp.Token, expires); err != nil {
		return err
	}
	return m.store.SetDeregistered(false)
}

// UninstallRequest is the /api/clients/uninstall payload.
type UninstallRequest struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Uninstall calls /api/clients/uninstall.
func (m *Manager) Uninstall(req UninstallRequest) error {
	status, err := m.post("/api/clients/uninstall", 10*time.Second, req, nil, true)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("connection: uninstall: status %d", status)
	}
	return nil
}

// VerifyAdminRequest is the /api/auth/verify-admin payload.
type VerifyAdminRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// VerifyAdmin calls /api/auth/verify-admin directly (no bearer token
// required — this is how a fresh admin session bootstraps).
func (m *Manager) VerifyAdmin(req VerifyAdminRequest) error {
	status, err := m.post("/api/auth/verify-admin", 10*time.Second, req, nil, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("connection: verify-admin: status %d", status)
	}
	return nil
}

// post issues one JSON request against the server. When the response is a
// 401 it also records whether the body carried the "not registered" marker,
// so callers can distinguish a plain auth-expired 401 from a deregistration
// signal via notRegistered401.
func (m *Manager) post(path string, timeout time.Duration, body, out any, auth bool) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("connection: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, m.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("connection: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		token, _ := m.store.Token()
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connection: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	notRegistered := false
	if resp.StatusCode == http.StatusUnauthorized {
		var parsed struct {
			Reason string `json:"reason"`
			Error  string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &parsed)
		if parsed.Reason == "not_registered" || parsed.Error == "not_registered" {
			notRegistered = true
		}
	}
	m.mu.Lock()
	m.last401NotRegistered = notRegistered
	m.mu.Unlock()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("connection: decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}
