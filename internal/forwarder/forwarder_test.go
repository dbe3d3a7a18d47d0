package forwarder

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chomp/internal/auth"
	"chomp/internal/cache"
	"chomp/internal/coordination/memory"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, tokens *auth.TokenService) (*httptest.Server, *cache.Cache) {
	t.Helper()
	store := memory.New()
	c := cache.New(store, "chomp", nil)
	srv := NewServer(Config{Cache: c, Tokens: tokens, PingInterval: time.Hour, PingTimeout: time.Hour})
	return httptest.NewServer(srv), c
}

func dialWS(t *testing.T, httpURL, token, topics string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "?token=" + token + "&topics=" + topics
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestServeHTTPForwardsPublishedMessage(t *testing.T) {
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)
	token, _, err := tokens.IssueSubscriber("alice", nil)
	if err != nil {
		t.Fatalf("IssueSubscriber: %v", err)
	}

	httpSrv, c := newTestServer(t, tokens)
	defer httpSrv.Close()

	conn := dialWS(t, httpSrv.URL, token, "eth_usd")
	defer conn.Close()

	// Give the server a moment to register its subscription before publishing.
	time.Sleep(50 * time.Millisecond)
	if err := c.SetAndPublish(context.Background(), "eth_usd", map[string]any{"value": 420.5}, 0); err != nil {
		t.Fatalf("SetAndPublish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(data), `"topic":"eth_usd"`) {
		t.Fatalf("expected envelope to name topic eth_usd, got %s", data)
	}
	if !strings.Contains(string(data), "420.5") {
		t.Fatalf("expected envelope to carry the published value, got %s", data)
	}
}

func TestServeHTTPRejectsTopicOutsideTokenScope(t *testing.T) {
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)
	token, _, err := tokens.IssueSubscriber("alice", []string{"eth_usd"})
	if err != nil {
		t.Fatalf("IssueSubscriber: %v", err)
	}

	httpSrv, _ := newTestServer(t, tokens)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "?token=" + token + "&topics=usdc_transfers"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for an out-of-scope topic")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("expected 403 Forbidden, got %v", resp)
	}
}

func TestServeHTTPRejectsMissingToken(t *testing.T) {
	tokens := auth.NewTokenService([]byte("test-secret"), time.Hour)
	httpSrv, _ := newTestServer(t, tokens)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "?topics=eth_usd"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 Unauthorized, got %v", resp)
	}
}

func TestSplitTopicsTrimsAndDropsEmpty(t *testing.T) {
	got := splitTopics(" eth_usd , , usdc_transfers ")
	if len(got) != 2 || got[0] != "eth_usd" || got[1] != "usdc_transfers" {
		t.Fatalf("unexpected split result: %#v", got)
	}
}
