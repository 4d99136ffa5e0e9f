package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/mailio/go-mailio-keyshare/util"
)

// IdentityProvider verifies identity tokens of one provider type
type IdentityProvider struct {
	Type     types.AuthProviderType
	Issuer   string
	Audience string
	Keys     jwk.Set
}

// IdentityService maps identity tokens to users and verifies DID holder proofs
type IdentityService struct {
	providers map[types.AuthProviderType]IdentityProvider
	now       func() time.Time
}

func NewIdentityService(providers ...IdentityProvider) *IdentityService {
	m := make(map[types.AuthProviderType]IdentityProvider, len(providers))
	for _, p := range providers {
		m[p.Type] = p
	}
	return &IdentityService{providers: m, now: time.Now}
}

// NewIdentityServiceFromConfig registers the JWKS endpoint of every configured provider in a
// refreshing cache and fetches each once, so a misconfigured endpoint fails at startup
func NewIdentityServiceFromConfig(ctx context.Context, conf []global.IdentityProviderConfig) (*IdentityService, error) {
	cache := jwk.NewCache(ctx)
	providers := make([]IdentityProvider, 0, len(conf))
	for _, c := range conf {
		if err := cache.Register(c.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			return nil, fmt.Errorf("failed to register jwks %s: %w", c.JWKSURL, err)
		}
		if _, err := cache.Refresh(ctx, c.JWKSURL); err != nil {
			return nil, fmt.Errorf("failed to fetch jwks %s: %w", c.JWKSURL, err)
		}
		providers = append(providers, IdentityProvider{
			Type:     types.AuthProviderType(c.Type),
			Issuer:   c.Issuer,
			Audience: c.Audience,
			Keys:     jwk.NewCachedSet(cache, c.JWKSURL),
		})
		level.Info(global.Logger).Log("msg", "identity provider registered", "type", c.Type, "issuer", c.Issuer)
	}
	return NewIdentityService(providers...), nil
}

func claimString(token jwt.Token, name string) string {
	v, ok := token.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// VerifyToken validates signature, issuer, audience and expiry of the identity token
func (s *IdentityService) VerifyToken(ctx context.Context, providerType types.AuthProviderType, token string) (*types.AuthUser, error) {
	p, ok := s.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("identity provider %s not configured: %w", providerType, types.ErrUnauthorized)
	}
	opts := []jwt.ParseOption{
		jwt.WithKeySet(p.Keys, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(s.now)),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if p.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.Issuer))
	}
	if p.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.Audience))
	}
	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		level.Debug(global.Logger).Log("msg", "identity token rejected", "provider", providerType, "error", err)
		return nil, types.ErrUnauthorized
	}
	if parsed.Subject() == "" {
		return nil, types.ErrUnauthorized
	}
	user := &types.AuthUser{
		ID:           parsed.Subject(),
		Email:        util.NormalizeEmail(claimString(parsed, "email")),
		Phone:        claimString(parsed, "phone_number"),
		ProviderType: providerType,
	}
	return user, nil
}

// Authenticate verifies the identity token and, when sent, the DID holder proof bound to it
func (s *IdentityService) Authenticate(ctx context.Context, input types.AuthenticatedInput, holderProof string) (*types.Identity, error) {
	user, err := s.VerifyToken(ctx, input.ProviderType, input.AuthToken)
	if err != nil {
		return nil, err
	}
	identity := &types.Identity{User: user}
	if holderProof != "" {
		holder, hErr := util.VerifyHolderProof(holderProof, input.AuthToken, s.now())
		if hErr != nil {
			return nil, fmt.Errorf("%v: %w", hErr, types.ErrUnauthorized)
		}
		identity.HolderDID = holder
	}
	return identity, nil
}

// ResolveClaimedDID returns the DID to store for a request. A proven holder wins over a
// client supplied DID. A mismatch is logged as a security event and not rejected, since the
// same key may be written in different DID methods.
func (s *IdentityService) ResolveClaimedDID(identity *types.Identity, claimed string) string {
	if identity == nil || identity.HolderDID == "" {
		return claimed
	}
	if claimed != "" && claimed != identity.HolderDID {
		level.Warn(global.Logger).Log("msg", "claimed DID differs from proven holder, using holder",
			"security", "did_mismatch", "holder", identity.HolderDID, "claimed", claimed, "userId", identity.User.ID)
	}
	return identity.HolderDID
}
