package hooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// RegisterBuiltInActions registers the default alert action handlers.
func RegisterBuiltInActions(m *AlertManager, breakers BreakerResetter) {
	m.RegisterAction(ActionLogWarning, handleLogWarning)
	wh := NewWebhookHandler()
	m.RegisterAction(ActionNotifyWebhook, wh.Handle)
	m.RegisterAction(ActionResetBreaker, resetBreakerAction(breakers))
}

func handleLogWarning(rule *AlertRule, n *Notification) error {
	msg, _ := rule.Params["message"].(string)
	if msg == "" {
		msg = "alert triggered"
	}
	log.WithFields(log.Fields{
		"rule":      rule.ID,
		"event":     n.Event,
		"operation": n.Operation,
	}).Warn(msg)
	return nil
}

// resetBreakerAction force-closes the breaker named by the "breaker" param,
// or the notification's operation when the param is absent.
func resetBreakerAction(breakers BreakerResetter) ActionHandler {
	return func(rule *AlertRule, n *Notification) error {
		if breakers == nil {
			return fmt.Errorf("no breaker registry configured")
		}
		op, _ := rule.Params["breaker"].(string)
		if op == "" {
			op = n.Operation
		}
		if op == "" {
			return fmt.Errorf("missing breaker operation")
		}
		breakers.Reset(op)
		log.Infof("alert rule %s reset breaker %s", rule.ID, op)
		return nil
	}
}

// webhookRateLimit is the number of deliveries allowed per URL per minute.
const webhookRateLimit = 10

// WebhookHandler posts notifications to webhooks with per-URL rate limiting
// and retries.
type WebhookHandler struct {
	Client  *http.Client
	Backoff []time.Duration
	Now     func() time.Time

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
}

type rateLimiter struct {
	count    int
	lastTime time.Time
}

// NewWebhookHandler returns a handler with a 5s client timeout and
// 1s/2s/4s retry backoff.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		Client:       &http.Client{Timeout: 5 * time.Second},
		Backoff:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		Now:          time.Now,
		rateLimiters: make(map[string]*rateLimiter),
	}
}

// Handle delivers n to the rule's "url" param. A "secret" param signs the
// body with HMAC-SHA256 in the X-Hook-Signature header.
func (h *WebhookHandler) Handle(rule *AlertRule, n *Notification) error {
	url, _ := rule.Params["url"].(string)
	if url == "" {
		return fmt.Errorf("missing webhook url")
	}
	if !secureURL(url) {
		return fmt.Errorf("insecure webhook url (must be https or loopback): %s", url)
	}
	if !h.checkRateLimit(url) {
		return fmt.Errorf("rate limit exceeded for webhook: %s", url)
	}

	secret, _ := rule.Params["secret"].(string)
	body, err := json.Marshal(map[string]any{
		"event":     n.Event,
		"timestamp": n.Timestamp,
		"rule_id":   rule.ID,
		"operation": n.Operation,
		"data":      n.Data,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i <= len(h.Backoff); i++ {
		if i > 0 {
			time.Sleep(h.Backoff[i-1])
		}
		if lastErr = h.post(url, secret, body); lastErr == nil {
			return nil
		}
		log.Warnf("webhook attempt %d failed: %v", i+1, lastErr)
	}
	return fmt.Errorf("webhook failed after retries: %w", lastErr)
}

func (h *WebhookHandler) post(url, secret string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookbridge-alerts/1.0")
	if secret != "" {
		req.Header.Set("X-Hook-Signature", "sha256="+Sign(secret, body))
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func secureURL(url string) bool {
	for _, prefix := range []string{"https://", "http://localhost", "http://127.0.0.1"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

func (h *WebhookHandler) checkRateLimit(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.Now()
	limiter, ok := h.rateLimiters[url]
	if !ok {
		limiter = &rateLimiter{lastTime: now}
		h.rateLimiters[url] = limiter
	}
	if now.Sub(limiter.lastTime) > time.Minute {
		limiter.count = 0
		limiter.lastTime = now
	}
	if limiter.count >= webhookRateLimit {
		return false
	}
	limiter.count++
	return true
}
