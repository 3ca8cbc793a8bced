package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
)

func bridgeFixture(t *testing.T, handler http.Handler) (*BridgeFactory, Session) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := NewBridgeFactory(config.TransportConfig{BridgeURL: srv.URL, TimeoutSeconds: 5})
	sess, err := f.Open(context.Background(), &domain.Identity{ID: "id-1"})
	if err != nil {
		t.Fatal(err)
	}
	return f, sess
}

func TestBridgeSendMessage(t *testing.T) {
	var gotPath string
	_, sess := bridgeFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	err := sess.SendMessage(context.Background(), Peer{ID: "peer-1"}, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/identities/id-1/messages" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestBridgeRateLimitMapping(t *testing.T) {
	_, sess := bridgeFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down","code":"flood_wait","retry_after_seconds":90}`))
	}))

	err := sess.SendMessage(context.Background(), Peer{ID: "peer-1"}, "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := Classify(err); kind != KindRateLimited {
		t.Errorf("kind = %q, want rate_limited", kind)
	}
	if wait := RetryAfter(err); wait != 90*time.Second {
		t.Errorf("wait = %v, want 90s", wait)
	}
}

func TestBridgeErrorCodeMapping(t *testing.T) {
	tests := []struct {
		code   string
		status int
		want   ErrorKind
	}{
		{"peer_flood", http.StatusForbidden, KindAbuseFlagged},
		{"privacy_restricted", http.StatusForbidden, KindForbidden},
		{"deactivated", http.StatusUnauthorized, KindBanned},
		{"", http.StatusForbidden, KindForbidden},
		{"", http.StatusInternalServerError, KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+http.StatusText(tt.status), func(t *testing.T) {
			_, sess := bridgeFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope","code":"` + tt.code + `"}`))
			}))
			err := sess.SendMessage(context.Background(), Peer{ID: "p"}, "x")
			if err == nil {
				t.Fatal("expected error")
			}
			if kind := Classify(err); kind != tt.want {
				t.Errorf("kind = %q, want %q", kind, tt.want)
			}
		})
	}
}

func TestBridgeRecentMessages(t *testing.T) {
	_, sess := bridgeFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("peer_id") != "peer-1" {
			t.Errorf("peer_id = %q", r.URL.Query().Get("peer_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages":[{"role":"assistant","text":"hi"},{"role":"user","text":"hello"}]}`))
	}))

	msgs, err := sess.RecentMessages(context.Background(), Peer{ID: "peer-1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[1].Role != domain.RoleUser {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestBridgeIsAuthorized(t *testing.T) {
	_, sess := bridgeFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"authorized":true}`))
	}))

	ok, err := sess.IsAuthorized(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected authorized")
	}
}

func TestBridgeProbe(t *testing.T) {
	f, _ := bridgeFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/probe" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	if err := f.Probe(context.Background(), "socks5://1.2.3.4:1080"); err != nil {
		t.Fatal(err)
	}
}
