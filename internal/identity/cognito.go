package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
)

var ErrNoCredentials = errors.New("identity pool returned no credentials")

// CognitoAPI is the part of the identity-pool client used here.
type CognitoAPI interface {
	GetId(ctx context.Context, params *cognitoidentity.GetIdInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error)
	GetCredentialsForIdentity(ctx context.Context, params *cognitoidentity.GetCredentialsForIdentityInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error)
}

// Cognito exchanges user-pool ID tokens for identity-pool identities and
// temporary AWS credentials.
type Cognito struct {
	api        CognitoAPI
	region     string
	poolID     string
	userPoolID string
	logger     *slog.Logger
	now        func() time.Time
}

func NewCognito(api CognitoAPI, region, identityPoolID, userPoolID string, logger *slog.Logger) *Cognito {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cognito{
		api:        api,
		region:     region,
		poolID:     identityPoolID,
		userPoolID: userPoolID,
		logger:     logger,
		now:        time.Now,
	}
}

// NewCognitoFromConfig builds an unsigned identity-pool client; GetId and
// GetCredentialsForIdentity are public calls authorised by the ID token.
func NewCognitoFromConfig(cfg aws.Config, identityPoolID, userPoolID string, logger *slog.Logger) *Cognito {
	client := cognitoidentity.NewFromConfig(cfg, func(o *cognitoidentity.Options) {
		o.Credentials = aws.AnonymousCredentials{}
	})
	return NewCognito(client, cfg.Region, identityPoolID, userPoolID, logger)
}

// LoginKey is the provider name the identity pool expects for user-pool tokens.
func (c *Cognito) LoginKey() string {
	return fmt.Sprintf("cognito-idp.%s.amazonaws.com/%s", c.region, c.userPoolID)
}

func (c *Cognito) logins(idToken string) map[string]string {
	return map[string]string{c.LoginKey(): idToken}
}

// Authenticate validates the token claims and resolves the identity id.
func (c *Cognito) Authenticate(ctx context.Context, idToken string) (Identity, error) {
	claims, err := ParseClaims(idToken, c.now())
	if err != nil {
		return Identity{}, err
	}

	out, err := c.api.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: aws.String(c.poolID),
		Logins:         c.logins(idToken),
	})
	if err != nil {
		return Identity{}, fmt.Errorf("resolve identity id: %w", err)
	}
	id := aws.ToString(out.IdentityId)
	if id == "" {
		return Identity{}, errors.New("resolve identity id: empty identity id")
	}

	ident := Identity{
		ID:       id,
		Subject:  claims.Subject,
		Username: claims.Username,
		Email:    claims.Email,
		Token:    idToken,
	}
	if claims.ExpiresAt != nil {
		ident.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	c.logger.Debug("identity resolved", "identity_id", id, "sub", claims.Subject)
	return ident, nil
}

// AWSCredentials returns a caching provider of temporary credentials for
// the identity. The provider refreshes shortly before expiry.
func (c *Cognito) AWSCredentials(ident Identity) aws.CredentialsProvider {
	return aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		out, err := c.api.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
			IdentityId: aws.String(ident.ID),
			Logins:     c.logins(ident.Token),
		})
		if err != nil {
			return aws.Credentials{}, fmt.Errorf("credentials for %s: %w", ident.ID, err)
		}
		if out.Credentials == nil {
			return aws.Credentials{}, ErrNoCredentials
		}
		creds := aws.Credentials{
			AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
			SecretAccessKey: aws.ToString(out.Credentials.SecretKey),
			SessionToken:    aws.ToString(out.Credentials.SessionToken),
			Source:          "CognitoIdentity",
		}
		if out.Credentials.Expiration != nil {
			creds.CanExpire = true
			creds.Expires = *out.Credentials.Expiration
		}
		return creds, nil
	}), func(o *aws.CredentialsCacheOptions) {
		o.ExpiryWindow = time.Minute
	})
}
