package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/cm/cm/internal/platform/metrics"
)

// AuthorityGateway is granted to tokens minted by the health information
// gateway for its service-to-service calls.
const AuthorityGateway = "gateway"

// GatewayClaims are the claims carried by gateway-issued tokens.
type GatewayClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"clientId"`
	Roles    []string `json:"roles"`
}

// GatewayVerifierConfig configures a GatewayVerifier.
type GatewayVerifierConfig struct {
	Issuer     string
	JWKSURL    string
	SigningKey []byte
	Algorithm  string
	// CheckRevocation consults the revocation list before signature
	// verification, as TokenVerifier does.
	CheckRevocation bool
}

// GatewayVerifier validates tokens presented by the gateway and maps their
// role claims onto caller authorities.
type GatewayVerifier struct {
	cfg         GatewayVerifierConfig
	keys        *JWKSCache
	revocations RevocationCache
	logger      zerolog.Logger
	metrics     *metrics.Collector
}

func NewGatewayVerifier(cfg GatewayVerifierConfig, revocations RevocationCache, logger zerolog.Logger, m *metrics.Collector) *GatewayVerifier {
	if cfg.Algorithm == "" {
		cfg.Algorithm = jwt.SigningMethodRS256.Alg()
	}
	if !cfg.CheckRevocation {
		logger.Warn().Msg("gateway token revocation check disabled")
	}
	v := &GatewayVerifier{
		cfg:         cfg,
		revocations: revocations,
		logger:      logger,
		metrics:     m,
	}
	if len(cfg.SigningKey) == 0 || !strings.HasPrefix(cfg.Algorithm, "HS") {
		v.keys = NewJWKSCache(cfg.JWKSURL, cfg.Issuer, defaultJWKSCacheTTL)
	}
	return v
}

func (v *GatewayVerifier) Verify(ctx context.Context, authorization string) (*Caller, error) {
	caller, err := v.verify(ctx, authorization)
	if err != nil {
		v.metrics.ObserveTokenVerification("gateway", "rejected")
		v.logger.Debug().Err(err).Msg("gateway token rejected")
		return nil, reject(err)
	}
	v.metrics.ObserveTokenVerification("gateway", "accepted")
	return caller, nil
}

func (v *GatewayVerifier) verify(ctx context.Context, authorization string) (*Caller, error) {
	credential, err := splitCredential(authorization)
	if err != nil {
		return nil, err
	}

	if v.cfg.CheckRevocation && v.revocations != nil {
		if err := checkRevoked(ctx, v.revocations, credential, v.metrics); err != nil {
			if errors.Is(err, errRevocationCheck) {
				v.logger.Error().Err(err).Msg("revocation lookup failed")
			}
			return nil, err
		}
	}

	keyFunc := func(*jwt.Token) (interface{}, error) { return v.cfg.SigningKey, nil }
	if v.keys != nil {
		keyFunc = v.keys.KeyFunc(ctx)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.cfg.Algorithm}),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	claims := &GatewayClaims{}
	if _, err := jwt.ParseWithClaims(credential, claims, keyFunc, opts...); err != nil {
		return nil, err
	}

	username := claims.ClientID
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return nil, errors.New("missing required claims: clientId or sub")
	}

	return &Caller{
		Username:         username,
		IsServiceAccount: true,
		Authorities:      append([]string(nil), claims.Roles...),
	}, nil
}
