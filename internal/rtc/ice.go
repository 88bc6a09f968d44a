package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/darkprince558/vcall/internal/logging"
)

// DefaultSTUNServers are used when nothing else is configured or the ICE
// config endpoint is unreachable.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

const (
	fetchTimeout = 5 * time.Second
	// Used when the endpoint sends no ttl.
	defaultCacheTTL = 10 * time.Minute
	// How long a failed fetch is remembered before trying again.
	retryAfter = 30 * time.Second
)

func DefaultServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNServers...)}}
}

// ValidateServers checks every URL with the STUN/TURN URI parser.
func ValidateServers(servers []webrtc.ICEServer) error {
	for _, s := range servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice server without urls")
		}
		for _, u := range s.URLs {
			if _, err := stun.ParseURI(u); err != nil {
				return fmt.Errorf("ice server %q: %w", u, err)
			}
		}
	}
	return nil
}

// ICEProvider supplies the ICE servers for each new peer connection: the
// static list plus whatever the config endpoint returns. Fetched servers are
// kept for half the ttl the endpoint reports.
type ICEProvider struct {
	Static    []webrtc.ICEServer
	ConfigURL string
	Client    *http.Client
	Logger    *pterm.Logger

	mu        sync.Mutex
	cached    []webrtc.ICEServer
	cachedURL string
	expires   time.Time
	now       func() time.Time
}

// Servers never fails; on any problem it falls back to DefaultServers.
func (p *ICEProvider) Servers(ctx context.Context) []webrtc.ICEServer {
	log := p.Logger
	if log == nil {
		log = logging.Discard()
	}
	servers := append([]webrtc.ICEServer(nil), p.Static...)
	if p.ConfigURL != "" {
		servers = append(servers, p.dynamic(ctx, log)...)
	}
	if len(servers) == 0 {
		return DefaultServers()
	}
	log.Debug("ice servers", log.Args("component", logging.ICE, "count", len(servers)))
	return servers
}

// iceConfig covers the response shapes seen in the wild: a plain
// {"iceServers": [...]}, Xirsys {"v": {"iceServers": ...}} and the TURN REST
// API {"username", "password", "ttl", "uris"}.
type iceConfig struct {
	ICEServers json.RawMessage `json:"iceServers"`
	V          *struct {
		ICEServers json.RawMessage `json:"iceServers"`
		TTL        int             `json:"ttl"`
	} `json:"v"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int      `json:"ttl"`
	URIs     []string `json:"uris"`
}

// Warm fetches the dynamic servers in the background so the first call does
// not wait for the endpoint.
func (p *ICEProvider) Warm(ctx context.Context) {
	if p.ConfigURL == "" {
		return
	}
	go p.Servers(ctx)
}

func (p *ICEProvider) dynamic(ctx context.Context, log *pterm.Logger) []webrtc.ICEServer {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cachedURL == p.ConfigURL && now().Before(p.expires) {
		return append([]webrtc.ICEServer(nil), p.cached...)
	}

	fetched, ttl, err := p.fetch(ctx)
	p.cachedURL = p.ConfigURL
	if err != nil {
		log.Warn("ice config unavailable, using fallback", log.Args("component", logging.ICE, "url", p.ConfigURL, "error", err))
		p.cached, p.expires = nil, now().Add(retryAfter)
		return nil
	}
	keep := defaultCacheTTL
	if ttl > 0 {
		keep = ttl / 2
	}
	p.cached, p.expires = fetched, now().Add(keep)
	return append([]webrtc.ICEServer(nil), fetched...)
}

func (p *ICEProvider) fetch(ctx context.Context) ([]webrtc.ICEServer, time.Duration, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ConfigURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var cfg iceConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, 0, fmt.Errorf("failed to decode ice config: %w", err)
	}
	servers, err := cfg.servers()
	if err != nil {
		return nil, 0, err
	}
	if len(servers) == 0 {
		return nil, 0, fmt.Errorf("ice config has no servers")
	}
	return servers, cfg.ttl(), nil
}

func (c *iceConfig) ttl() time.Duration {
	ttl := c.TTL
	if ttl == 0 && c.V != nil {
		ttl = c.V.TTL
	}
	return time.Duration(ttl) * time.Second
}

func (c *iceConfig) servers() ([]webrtc.ICEServer, error) {
	raw := c.ICEServers
	if len(raw) == 0 && c.V != nil {
		raw = c.V.ICEServers
	}
	var out []webrtc.ICEServer
	if len(raw) > 0 {
		list, err := decodeServers(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	if len(c.URIs) > 0 {
		out = append(out, webrtc.ICEServer{URLs: c.URIs, Username: c.Username, Credential: c.Password})
	}

	// Keep only what pion can use.
	valid := out[:0]
	for _, s := range out {
		if ValidateServers([]webrtc.ICEServer{s}) == nil {
			valid = append(valid, s)
		}
	}
	return valid, nil
}

// decodeServers accepts an array of servers or a single server object, and
// "urls" given as a string or a list.
func decodeServers(raw json.RawMessage) ([]webrtc.ICEServer, error) {
	type server struct {
		URLs       json.RawMessage `json:"urls"`
		URL        string          `json:"url"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	var list []server
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var one server
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("failed to decode ice server: %w", err)
		}
		list = []server{one}
	} else if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode ice servers: %w", err)
	}

	out := make([]webrtc.ICEServer, 0, len(list))
	for _, s := range list {
		var urls []string
		if len(s.URLs) > 0 {
			if err := json.Unmarshal(s.URLs, &urls); err != nil {
				var one string
				if err := json.Unmarshal(s.URLs, &one); err != nil {
					return nil, fmt.Errorf("failed to decode ice server urls: %w", err)
				}
				urls = []string{one}
			}
		}
		if s.URL != "" {
			urls = append(urls, s.URL)
		}
		out = append(out, webrtc.ICEServer{URLs: urls, Username: s.Username, Credential: s.Credential})
	}
	return out, nil
}
