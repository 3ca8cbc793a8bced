package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/httpretry"
)

// The bridge is a sidecar service holding the actual chat client sessions.
// The engine drives it over a small REST API keyed by identity; the bridge
// owns protocol details, session files, and proxy dialing.

const (
	updatesPollInterval = 2 * time.Second
	bridgeMaxRetries    = 3
)

// BridgeFactory opens sessions against the bridge sidecar.
type BridgeFactory struct {
	baseURL string
	timeout time.Duration

	// reads retries transient failures; sends never retry, a 429 must
	// surface to the safety ledger as a rate limit.
	reads httpretry.HTTPDoer
	sends httpretry.HTTPDoer
}

// NewBridgeFactory creates a factory from transport config.
func NewBridgeFactory(cfg config.TransportConfig) *BridgeFactory {
	client := &http.Client{Timeout: cfg.Timeout()}
	return &BridgeFactory{
		baseURL: cfg.BridgeURL,
		timeout: cfg.Timeout(),
		reads:   httpretry.NewRetryClient(client, bridgeMaxRetries),
		sends:   client,
	}
}

// SetHTTPClients overrides both HTTP clients, for tests.
func (f *BridgeFactory) SetHTTPClients(reads, sends httpretry.HTTPDoer) {
	f.reads = reads
	f.sends = sends
}

// Open returns a session bound to one identity on the bridge.
func (f *BridgeFactory) Open(ctx context.Context, identity *domain.Identity) (Session, error) {
	return &bridgeSession{
		factory:    f,
		identityID: identity.ID,
		proxyRoute: identity.ProxyRoute,
	}, nil
}

// Probe asks the bridge to run a protocol handshake through the route.
func (f *BridgeFactory) Probe(ctx context.Context, route string) error {
	body, _ := json.Marshal(map[string]string{"route": route})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/probe", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.sends.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe failed: status %d", resp.StatusCode)
	}
	return nil
}

type bridgeSession struct {
	factory    *BridgeFactory
	identityID string
	proxyRoute string

	handler func(Incoming)

	mu       sync.Mutex
	cancel   context.CancelFunc
	lastSeen string // update cursor returned by the bridge
}

// bridgeError is the bridge's error envelope. Code carries the platform
// error taxonomy.
type bridgeError struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func (s *bridgeSession) url(parts string) string {
	return fmt.Sprintf("%s/identities/%s%s", s.factory.baseURL, s.identityID, parts)
}

func (s *bridgeSession) OnIncoming(handler func(Incoming)) {
	s.handler = handler
}

func (s *bridgeSession) Connect(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"proxy_route": s.proxyRoute})
	if err := s.post(ctx, s.url("/connect"), body, nil); err != nil {
		return fmt.Errorf("connect %s: %w", s.identityID, err)
	}

	if s.handler != nil {
		pollCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		go s.pollUpdates(pollCtx)
	}
	return nil
}

func (s *bridgeSession) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.factory.timeout)
	defer cancel()
	return s.post(ctx, s.url("/disconnect"), nil, nil)
}

func (s *bridgeSession) IsAuthorized(ctx context.Context) (bool, error) {
	var out struct {
		Authorized bool `json:"authorized"`
	}
	if err := s.get(ctx, s.url("/status"), &out); err != nil {
		return false, err
	}
	return out.Authorized, nil
}

func (s *bridgeSession) SendMessage(ctx context.Context, peer Peer, text string) error {
	body, _ := json.Marshal(map[string]string{
		"peer_id": peer.ID,
		"handle":  peer.Handle,
		"text":    text,
	})
	return s.post(ctx, s.url("/messages"), body, nil)
}

func (s *bridgeSession) RecentMessages(ctx context.Context, peer Peer, limit int) ([]domain.Message, error) {
	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	url := fmt.Sprintf("%s?peer_id=%s&limit=%d", s.url("/messages"), peer.ID, limit)
	if err := s.getRetry(ctx, url, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (s *bridgeSession) MarkRead(ctx context.Context, peer Peer) error {
	body, _ := json.Marshal(map[string]string{"peer_id": peer.ID})
	return s.post(ctx, s.url("/read"), body, nil)
}

func (s *bridgeSession) ForwardMessages(ctx context.Context, peer Peer, destChat string, count int) error {
	body, _ := json.Marshal(map[string]any{
		"peer_id": peer.ID,
		"to_chat": destChat,
		"count":   count,
	})
	return s.post(ctx, s.url("/forward"), body, nil)
}

func (s *bridgeSession) SendToChat(ctx context.Context, chat string, text string) error {
	body, _ := json.Marshal(map[string]string{
		"chat": chat,
		"text": text,
	})
	return s.post(ctx, s.url("/chat-messages"), body, nil)
}

// pollUpdates long-polls the bridge for inbound messages and feeds them to
// the registered handler.
func (s *bridgeSession) pollUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(updatesPollInterval):
		}

		s.mu.Lock()
		cursor := s.lastSeen
		s.mu.Unlock()

		var out struct {
			Cursor  string `json:"cursor"`
			Updates []struct {
				Peer    Peer           `json:"peer"`
				Message domain.Message `json:"message"`
			} `json:"updates"`
		}
		url := s.url("/updates")
		if cursor != "" {
			url += "?cursor=" + cursor
		}
		pollCtx, cancel := context.WithTimeout(ctx, s.factory.timeout)
		err := s.get(pollCtx, url, &out)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[Transport] update poll for %s: %v", s.identityID, err)
			}
			continue
		}

		s.mu.Lock()
		s.lastSeen = out.Cursor
		s.mu.Unlock()

		for _, u := range out.Updates {
			s.handler(Incoming{Peer: u.Peer, Message: u.Message})
		}
	}
}

func (s *bridgeSession) post(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.doRequest(s.factory.sends, req, out)
}

func (s *bridgeSession) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return s.doRequest(s.factory.sends, req, out)
}

func (s *bridgeSession) getRetry(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return s.doRequest(s.factory.reads, req, out)
}

func (s *bridgeSession) doRequest(client httpretry.HTTPDoer, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeSendError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeSendError maps a bridge error response onto the SendError taxonomy
// so the safety ledger reacts correctly.
func decodeSendError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var be bridgeError
	_ = json.Unmarshal(raw, &be)
	if be.Error == "" {
		be.Error = fmt.Sprintf("bridge status %d", resp.StatusCode)
	}
	base := fmt.Errorf("%s", be.Error)

	switch be.Code {
	case "rate_limited", "flood_wait":
		return RateLimited(time.Duration(be.RetryAfterSeconds)*time.Second, base)
	case "abuse_flagged", "peer_flood":
		return AbuseFlagged(base)
	case "forbidden", "privacy_restricted", "blocked":
		return Forbidden(base)
	case "banned", "deactivated", "unauthorized":
		return Banned(base)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return RateLimited(time.Duration(be.RetryAfterSeconds)*time.Second, base)
	case http.StatusForbidden:
		return Forbidden(base)
	case http.StatusUnauthorized:
		return Banned(base)
	}
	return Other(base)
}
