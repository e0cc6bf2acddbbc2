package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/cm/cm/internal/platform/apperr"
	"github.com/cm/cm/internal/platform/metrics"
)

// Verifier turns an Authorization header value into a Caller.
type Verifier interface {
	Verify(ctx context.Context, authorization string) (*Caller, error)
}

// rejectionMessage is the only reason ever returned to clients.
const rejectionMessage = "token verification failed"

var (
	errMalformedHeader = errors.New("authorization must be \"<scheme> <credential>\"")
	errRevoked         = errors.New("credential has been revoked")
	errRevocationCheck = errors.New("revocation list unavailable")
)

func reject(cause error) error {
	return apperr.Wrap(apperr.CodeUnauthorized, rejectionMessage, cause)
}

// splitCredential returns the credential of "<scheme> <credential>". Any
// other shape, including extra spaces, is rejected.
func splitCredential(authorization string) (string, error) {
	parts := strings.Split(authorization, " ")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errMalformedHeader
	}
	return parts[1], nil
}

// checkRevoked consults the revocation list. Lookup failures reject the
// token.
func checkRevoked(ctx context.Context, revocations RevocationCache, credential string, m *metrics.Collector) error {
	start := time.Now()
	revoked, err := revocations.IsRevoked(ctx, credential)
	m.ObserveRevocationLookup(time.Since(start))
	if err != nil {
		return errors.Join(errRevocationCheck, err)
	}
	if revoked {
		return errRevoked
	}
	return nil
}

// Claims are the claims carried by consent manager access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scope             string `json:"scope"`
	PreferredUsername string `json:"preferred_username"`
	Role              string `json:"role,omitempty"`
}

// VerifierConfig configures a TokenVerifier.
type VerifierConfig struct {
	Issuer  string
	JWKSURL string
	// SigningKey is the HMAC secret used when Algorithm is HS256. Development
	// and tests only.
	SigningKey []byte
	// Algorithm is the single accepted signing algorithm (RS256 or HS256).
	Algorithm            string
	ServiceAccountPrefix string
}

// TokenVerifier validates patient and service-account tokens issued by the
// consent manager's identity provider.
type TokenVerifier struct {
	cfg         VerifierConfig
	keys        *JWKSCache
	revocations RevocationCache
	logger      zerolog.Logger
	metrics     *metrics.Collector
}

func NewTokenVerifier(cfg VerifierConfig, revocations RevocationCache, logger zerolog.Logger, m *metrics.Collector) *TokenVerifier {
	if cfg.Algorithm == "" {
		cfg.Algorithm = jwt.SigningMethodRS256.Alg()
	}
	v := &TokenVerifier{
		cfg:         cfg,
		revocations: revocations,
		logger:      logger,
		metrics:     m,
	}
	if !v.hmac() {
		v.keys = NewJWKSCache(cfg.JWKSURL, cfg.Issuer, defaultJWKSCacheTTL)
	}
	return v
}

// hmac reports whether tokens are checked against the shared SigningKey.
// A SigningKey configured next to an RSA algorithm is ignored.
func (v *TokenVerifier) hmac() bool {
	return len(v.cfg.SigningKey) > 0 && strings.HasPrefix(v.cfg.Algorithm, "HS")
}

// Verify checks, in order: header shape, revocation, signature and claims.
// The revocation lookup happens before any signature work so a revoked
// token is refused even when it is otherwise valid.
func (v *TokenVerifier) Verify(ctx context.Context, authorization string) (*Caller, error) {
	caller, err := v.verify(ctx, authorization)
	if err != nil {
		v.metrics.ObserveTokenVerification("primary", "rejected")
		v.logger.Debug().Err(err).Msg("token rejected")
		return nil, reject(err)
	}
	v.metrics.ObserveTokenVerification("primary", "accepted")
	return caller, nil
}

func (v *TokenVerifier) verify(ctx context.Context, authorization string) (*Caller, error) {
	credential, err := splitCredential(authorization)
	if err != nil {
		return nil, err
	}

	if err := checkRevoked(ctx, v.revocations, credential, v.metrics); err != nil {
		if errors.Is(err, errRevocationCheck) {
			v.logger.Error().Err(err).Msg("revocation lookup failed")
		}
		return nil, err
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(credential, claims, v.keyFunc(ctx), v.parserOptions()...); err != nil {
		return nil, err
	}
	if err := requireClaims(claims); err != nil {
		return nil, err
	}

	return v.callerFrom(claims), nil
}

func (v *TokenVerifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	if v.hmac() {
		return func(*jwt.Token) (interface{}, error) {
			return v.cfg.SigningKey, nil
		}
	}
	return v.keys.KeyFunc(ctx)
}

func (v *TokenVerifier) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.cfg.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	return opts
}

func requireClaims(c *Claims) error {
	var missing []string
	if c.Subject == "" {
		missing = append(missing, "sub")
	}
	if c.IssuedAt == nil {
		missing = append(missing, "iat")
	}
	if c.ExpiresAt == nil {
		missing = append(missing, "exp")
	}
	if c.Scope == "" {
		missing = append(missing, "scope")
	}
	if c.PreferredUsername == "" {
		missing = append(missing, "preferred_username")
	}
	if len(missing) > 0 {
		return errors.New("missing required claims: " + strings.Join(missing, ", "))
	}
	return nil
}

func (v *TokenVerifier) callerFrom(c *Claims) *Caller {
	caller := &Caller{Username: c.Subject, Role: c.Role}
	if prefix := v.cfg.ServiceAccountPrefix; prefix != "" && strings.HasPrefix(c.Subject, prefix) {
		caller.Username = strings.TrimPrefix(c.Subject, prefix)
		caller.IsServiceAccount = true
	}
	return caller
}
