package signaling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pterm/pterm"

	"github.com/darkprince558/vcall/internal/auth"
)

// Payload hash of an empty GET body.
const emptyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// IoTOptions configure an AWS IoT Core broker connection.
type IoTOptions struct {
	Endpoint       string
	Region         string
	IdentityPoolID string
	ClientID       string
	Logger         *pterm.Logger
}

// DialIoT connects to AWS IoT Core over a SigV4-presigned WebSocket, using
// unauthenticated Cognito identities for credentials.
func DialIoT(ctx context.Context, o IoTOptions) (*Client, error) {
	if o.Endpoint == "" || o.Region == "" || o.IdentityPoolID == "" {
		return nil, fmt.Errorf("aws-iot broker needs endpoint, region and identity pool id")
	}
	if o.ClientID == "" {
		o.ClientID = NewClientID()
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load base aws config: %w", err)
	}
	creds := aws.NewCredentialsCache(auth.NewCognitoProvider(cfg, o.IdentityPoolID))

	url, err := presignURL(ctx, creds, o.Endpoint, o.Region, time.Now())
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(url)
	// Presigned URLs expire; refresh them on every reconnect.
	opts.SetReconnectingHandler(func(_ mqtt.Client, co *mqtt.ClientOptions) {
		fresh, err := presignURL(context.Background(), creds, o.Endpoint, o.Region, time.Now())
		if err != nil {
			return
		}
		co.Servers = nil
		co.AddBroker(fresh)
	})
	return connect(ctx, opts, o.ClientID, 0, o.Logger)
}

func presignURL(ctx context.Context, provider aws.CredentialsProvider, endpoint, region string, now time.Time) (string, error) {
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve aws credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("wss://%s/mqtt", endpoint), nil)
	if err != nil {
		return "", err
	}
	signed, _, err := v4.NewSigner().PresignHTTP(ctx, creds, req, emptyHash, "iotdevicegateway", region, now)
	if err != nil {
		return "", fmt.Errorf("failed to sign websocket request: %w", err)
	}
	return signed, nil
}
