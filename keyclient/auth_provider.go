package keyclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/mailio/go-mailio-keyshare/types"
)

var ErrNotSignedIn = errors.New("not signed in")

// AuthProvider supplies the identity token the key server verifies
type AuthProvider interface {
	GetIDToken(ctx context.Context) (string, error)
	// GetCurrentUser returns nil when nobody is signed in
	GetCurrentUser(ctx context.Context) (*types.AuthUser, error)
	GetProviderType() types.AuthProviderType
}

// StaticProvider serves a fixed token (CLI flags, tests)
type StaticProvider struct {
	Token        string
	User         *types.AuthUser
	ProviderType types.AuthProviderType
}

func (p *StaticProvider) GetIDToken(ctx context.Context) (string, error) {
	if p.Token == "" {
		return "", ErrNotSignedIn
	}
	return p.Token, nil
}

func (p *StaticProvider) GetCurrentUser(ctx context.Context) (*types.AuthUser, error) {
	if p.User != nil {
		return p.User, nil
	}
	if p.Token == "" {
		return nil, nil
	}
	return userFromToken(p.Token, p.ProviderType)
}

func (p *StaticProvider) GetProviderType() types.AuthProviderType {
	return p.ProviderType
}

// userFromToken reads the user claims of an identity token without verifying it.
// Verification happens on the key server.
func userFromToken(token string, providerType types.AuthProviderType) (*types.AuthUser, error) {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("parse identity token: %w", err)
	}
	user := &types.AuthUser{ID: parsed.Subject(), ProviderType: providerType}
	if v, ok := parsed.Get("email"); ok {
		if s, ok := v.(string); ok {
			user.Email = strings.ToLower(strings.TrimSpace(s))
		}
	}
	if v, ok := parsed.Get("phone_number"); ok {
		if s, ok := v.(string); ok {
			user.Phone = s
		}
	}
	return user, nil
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// RefreshingProvider exchanges an OAuth2 refresh token for fresh identity tokens
// at the provider's token endpoint, caching each token until shortly before it expires.
type RefreshingProvider struct {
	client       *resty.Client
	tokenURL     string
	clientID     string
	providerType types.AuthProviderType
	now          func() time.Time

	mu           sync.Mutex
	refreshToken string
	idToken      string
	expiresAt    time.Time
}

const refreshMargin = 30 * time.Second

func NewRefreshingProvider(providerType types.AuthProviderType, tokenURL, clientID, refreshToken string) *RefreshingProvider {
	return &RefreshingProvider{
		client:       resty.New().SetTimeout(10 * time.Second).SetRetryCount(2),
		tokenURL:     tokenURL,
		clientID:     clientID,
		providerType: providerType,
		refreshToken: refreshToken,
		now:          time.Now,
	}
}

// GetClient exposes the resty client (tests mock its transport)
func (p *RefreshingProvider) GetClient() *resty.Client {
	return p.client
}

func (p *RefreshingProvider) GetProviderType() types.AuthProviderType {
	return p.providerType
}

func (p *RefreshingProvider) GetIDToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.idToken != "" && p.now().Add(refreshMargin).Before(p.expiresAt) {
		return p.idToken, nil
	}
	if p.refreshToken == "" {
		return "", ErrNotSignedIn
	}

	var out tokenResponse
	var failure tokenErrorResponse
	resp, err := p.client.R().SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": p.refreshToken,
			"client_id":     p.clientID,
		}).
		SetResult(&out).
		SetError(&failure).
		Post(p.tokenURL)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}
	if resp.IsError() {
		if failure.Error == "invalid_grant" {
			p.refreshToken = ""
			p.idToken = ""
			return "", ErrNotSignedIn
		}
		return "", fmt.Errorf("token endpoint returned %d %s", resp.StatusCode(), failure.Error)
	}
	if out.IDToken == "" {
		return "", fmt.Errorf("token endpoint returned no id_token")
	}

	p.idToken = out.IDToken
	p.expiresAt = p.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	if out.RefreshToken != "" {
		p.refreshToken = out.RefreshToken
	}
	return p.idToken, nil
}

func (p *RefreshingProvider) GetCurrentUser(ctx context.Context) (*types.AuthUser, error) {
	token, err := p.GetIDToken(ctx)
	if err != nil {
		if errors.Is(err, ErrNotSignedIn) {
			return nil, nil
		}
		return nil, err
	}
	return userFromToken(token, p.providerType)
}

// SignOut forgets the cached and refresh tokens
func (p *RefreshingProvider) SignOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshToken = ""
	p.idToken = ""
	p.expiresAt = time.Time{}
}
