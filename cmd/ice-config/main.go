// Command ice-config is an AWS Lambda behind API Gateway that hands callers
// STUN servers and, when a relay is configured, short-lived TURN credentials
// in the browser's RTCConfiguration shape.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/darkprince558/vcall/internal/rtc"
)

const defaultTTL = time.Hour

// ICEServer mirrors RTCIceServer.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Response structure
type ICEConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
	TTL        int         `json:"ttl"`
}

type handler struct {
	secret string
	turn   string
	stun   []string
	ttl    time.Duration
	now    func() time.Time
}

func handlerFromEnv() handler {
	h := handler{
		secret: os.Getenv("TURN_SECRET_KEY"),
		turn:   os.Getenv("TURN_URI"),
		ttl:    defaultTTL,
		now:    time.Now,
	}
	for _, s := range strings.Split(os.Getenv("STUN_URIS"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			h.stun = append(h.stun, s)
		}
	}
	if v, err := time.ParseDuration(os.Getenv("TURN_TTL")); err == nil && v > 0 {
		h.ttl = v
	}
	return h
}

// credentials follows the coturn use-auth-secret scheme:
// username = <expiry>:<user>, credential = base64(HMAC-SHA1(secret, username)).
func credentials(secret string, expiry time.Time) (string, string) {
	username := fmt.Sprintf("%d:vcall", expiry.Unix())
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return username, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (h handler) handle(ctx context.Context, request events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	stun := h.stun
	if len(stun) == 0 {
		stun = rtc.DefaultSTUNServers
	}
	cfg := ICEConfig{
		ICEServers: []ICEServer{{URLs: stun}},
		TTL:        int(h.ttl.Seconds()),
	}

	// Without a relay the callers still get STUN.
	if h.secret != "" && h.turn != "" {
		username, credential := credentials(h.secret, h.now().Add(h.ttl))
		cfg.ICEServers = append(cfg.ICEServers, ICEServer{
			URLs: []string{
				"turn:" + h.turn + "?transport=udp",
				"turn:" + h.turn + "?transport=tcp",
			},
			Username:   username,
			Credential: credential,
		})
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "encoding failed"), nil
	}

	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		// The browser page fetches this cross-origin.
		Headers: map[string]string{
			"Content-Type":                "application/json",
			"Access-Control-Allow-Origin": "*",
			"Cache-Control":               "no-store",
		},
		Body: string(body),
	}, nil
}

func errorResponse(code int, msg string) events.APIGatewayV2HTTPResponse {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return events.APIGatewayV2HTTPResponse{
		StatusCode: code,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func main() {
	lambda.Start(handlerFromEnv().handle)
}
