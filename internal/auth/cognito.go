package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
)

// CognitoProvider implements aws.CredentialsProvider for unauthenticated
// identities of an identity pool. Wrap it in aws.NewCredentialsCache.
type CognitoProvider struct {
	Client         *cognitoidentity.Client
	IdentityPoolID string

	mu         sync.Mutex
	identityID string
}

// NewCognitoProvider creates a provider that exchanges the pool id for
// temporary broker credentials.
func NewCognitoProvider(cfg aws.Config, poolID string) *CognitoProvider {
	return &CognitoProvider{
		Client:         cognitoidentity.NewFromConfig(cfg),
		IdentityPoolID: poolID,
	}
}

// Retrieve returns a fresh set of credentials. The identity id outlives
// the credentials, so it is fetched once.
func (p *CognitoProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	id, err := p.identity(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}

	out, err := p.Client.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: aws.String(id),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("failed to get credentials for identity: %w", err)
	}
	if out.Credentials == nil {
		return aws.Credentials{}, fmt.Errorf("empty credentials from cognito")
	}

	c := out.Credentials
	return aws.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Source:          "CognitoIdentity",
		CanExpire:       c.Expiration != nil,
		Expires:         aws.ToTime(c.Expiration),
	}, nil
}

func (p *CognitoProvider) identity(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.identityID != "" {
		return p.identityID, nil
	}
	out, err := p.Client.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: aws.String(p.IdentityPoolID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get cognito identity id: %w", err)
	}
	p.identityID = aws.ToString(out.IdentityId)
	return p.identityID, nil
}
