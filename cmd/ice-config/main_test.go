package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/darkprince558/vcall/internal/rtc"
)

func TestHandleReturnsTURNCredentials(t *testing.T) {
	now := time.Unix(1700000000, 0)
	h := handler{
		secret: "s3cret",
		turn:   "turn.example.com:3478",
		stun:   []string{"stun:stun.example.com:3478"},
		ttl:    time.Hour,
		now:    func() time.Time { return now },
	}

	resp, err := h.handle(context.Background(), events.APIGatewayV2HTTPRequest{})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body %s", resp.StatusCode, resp.Body)
	}

	var cfg ICEConfig
	if err := json.Unmarshal([]byte(resp.Body), &cfg); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if cfg.TTL != 3600 {
		t.Errorf("ttl = %d, want 3600", cfg.TTL)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("Expected stun and turn entries, got %+v", cfg.ICEServers)
	}

	turn := cfg.ICEServers[1]
	if turn.Username != "1700003600:vcall" {
		t.Errorf("username = %q", turn.Username)
	}
	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(turn.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); turn.Credential != want {
		t.Errorf("credential = %q, want %q", turn.Credential, want)
	}
	for _, u := range turn.URLs {
		if !strings.HasPrefix(u, "turn:turn.example.com:3478?transport=") {
			t.Errorf("unexpected turn url %q", u)
		}
	}
}

func TestHandleWithoutRelayReturnsSTUN(t *testing.T) {
	for name, h := range map[string]handler{
		"no secret": {turn: "turn.example.com", ttl: time.Hour, now: time.Now},
		"no uri":    {secret: "k", ttl: time.Hour, now: time.Now},
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := h.handle(context.Background(), events.APIGatewayV2HTTPRequest{})
			if err != nil {
				t.Fatalf("handle failed: %v", err)
			}
			if resp.StatusCode != 200 {
				t.Fatalf("status = %d, body %s", resp.StatusCode, resp.Body)
			}
			var cfg ICEConfig
			if err := json.Unmarshal([]byte(resp.Body), &cfg); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if len(cfg.ICEServers) != 1 {
				t.Fatalf("Expected only the stun entry, got %+v", cfg.ICEServers)
			}
			if got := cfg.ICEServers[0]; !reflect.DeepEqual(got.URLs, rtc.DefaultSTUNServers) || got.Credential != "" {
				t.Errorf("stun entry = %+v", got)
			}
		})
	}
}

func TestHandleUsesConfiguredSTUN(t *testing.T) {
	h := handler{stun: []string{"stun:stun.example.com:3478"}, ttl: time.Hour, now: time.Now}
	resp, err := h.handle(context.Background(), events.APIGatewayV2HTTPRequest{})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("handle = %d, %v", resp.StatusCode, err)
	}
	var cfg ICEConfig
	if err := json.Unmarshal([]byte(resp.Body), &cfg); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Errorf("servers = %+v", cfg.ICEServers)
	}
}

func TestHandlerFromEnv(t *testing.T) {
	t.Setenv("TURN_SECRET_KEY", "k")
	t.Setenv("TURN_URI", "turn.example.com")
	t.Setenv("STUN_URIS", "stun:a.example.com, ,stun:b.example.com")
	t.Setenv("TURN_TTL", "10m")

	h := handlerFromEnv()
	if h.secret != "k" || h.turn != "turn.example.com" {
		t.Errorf("unexpected handler %+v", h)
	}
	if len(h.stun) != 2 {
		t.Errorf("stun = %v", h.stun)
	}
	if h.ttl != 10*time.Minute {
		t.Errorf("ttl = %v", h.ttl)
	}
}
