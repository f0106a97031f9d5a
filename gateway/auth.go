package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/briannadoubt/trebuchet/logger"
	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

// Metadata keys credentials arrive under.
const (
	MetadataAuthorization = "authorization"
	MetadataAPIKey        = "x-api-key"
)

// Authentication defaults.
const (
	DefaultClockSkew = 60 * time.Second
	DefaultReplayTTL = time.Hour
	DefaultRoleClaim = "roles"
)

// replayCacheMaxEntries bounds the jti cache. A cache full of live entries
// rejects new protected tokens rather than letting a replay through an
// overflow.
const replayCacheMaxEntries = 1 << 16

// JWTConfig holds the verification policy for bearer tokens.
type JWTConfig struct {
	// Issuer must match the iss claim exactly.
	Issuer string

	// Audience, when set, must appear in the aud claim.
	Audience string

	// ClockSkew is the leeway applied to exp, nbf and iat checks.
	ClockSkew time.Duration

	// MaxAge, when nonzero, rejects tokens issued longer ago than this
	// even if they have not expired yet.
	MaxAge time.Duration

	// ReplayProtection requires a jti claim and rejects a second
	// appearance of the same jti within ReplayTTL.
	ReplayProtection bool
	ReplayTTL        time.Duration

	// RoleClaim names the claim carrying the principal's roles.
	RoleClaim string

	// Key material per accepted algorithm. A token signed with an
	// algorithm whose key is absent is rejected.
	HMACSecret     []byte           // HS256
	RSAPublicKey   *rsa.PublicKey   // RS256
	ECDSAPublicKey *ecdsa.PublicKey // ES256
}

// APIKeyCredential maps a static key to a principal.
type APIKeyCredential struct {
	Key     string
	Subject string
	Roles   []string
}

// BasicCredential is a static username/password principal.
type BasicCredential struct {
	Username string
	Password string
	Roles    []string
}

// AuthConfig selects which credential types the stage accepts.
type AuthConfig struct {
	JWT        *JWTConfig
	APIKeys    []APIKeyCredential
	BasicUsers []BasicCredential

	// AllowAnonymous lets invocations without credentials through with an
	// empty principal. The default rejects them.
	AllowAnonymous bool

	// Clock drives expiry, staleness and replay checks.
	Clock clockwork.Clock
}

// AuthenticationStage resolves the caller's credential into a principal.
// Bearer JWTs, static API keys and basic credentials are accepted; the
// verified identity and its roles land in the Bag for the authorization
// stage.
type AuthenticationStage struct {
	cfg    AuthConfig
	parser *jwt.Parser
	replay *replayCache
}

// NewAuthenticationStage builds the stage, normalizing zero JWT settings
// to the defaults.
func NewAuthenticationStage(cfg AuthConfig) *AuthenticationStage {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	s := &AuthenticationStage{cfg: cfg}
	if cfg.JWT == nil {
		return s
	}

	jc := *cfg.JWT
	if jc.ClockSkew <= 0 {
		jc.ClockSkew = DefaultClockSkew
	}
	if jc.ReplayTTL <= 0 {
		jc.ReplayTTL = DefaultReplayTTL
	}
	if jc.RoleClaim == "" {
		jc.RoleClaim = DefaultRoleClaim
	}
	s.cfg.JWT = &jc

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "RS256", "ES256"}),
		jwt.WithIssuer(jc.Issuer),
		jwt.WithLeeway(jc.ClockSkew),
		jwt.WithTimeFunc(cfg.Clock.Now),
		jwt.WithExpirationRequired(),
	}
	if jc.Audience != "" {
		opts = append(opts, jwt.WithAudience(jc.Audience))
	}
	s.parser = jwt.NewParser(opts...)

	if jc.ReplayProtection {
		s.replay = &replayCache{ttl: jc.ReplayTTL, entries: make(map[string]time.Time)}
	}
	return s
}

func (s *AuthenticationStage) Name() string { return "authentication" }

func (s *AuthenticationStage) Handle(ctx context.Context, env *wire.Envelope, bag *Bag, next Next) (*wire.Envelope, error) {
	md := env.Invocation.Metadata
	authz := md[MetadataAuthorization]
	apiKey := md[MetadataAPIKey]

	switch {
	case apiKey != "":
		if err := s.checkAPIKey(apiKey, bag); err != nil {
			return nil, err
		}
	case strings.HasPrefix(authz, "Bearer "):
		if err := s.checkBearer(strings.TrimPrefix(authz, "Bearer "), bag); err != nil {
			return nil, err
		}
	case strings.HasPrefix(authz, "Basic "):
		if err := s.checkBasic(strings.TrimPrefix(authz, "Basic "), bag); err != nil {
			return nil, err
		}
	case authz != "":
		return nil, s.reject("unsupported_scheme", "unsupported authorization scheme")
	default:
		if !s.cfg.AllowAnonymous {
			return nil, s.reject("missing_credentials", "no credentials supplied")
		}
		return next(ctx)
	}

	return next(logger.WithPrincipal(ctx, bag.Principal))
}

// reject records the failure reason metric and returns the caller-facing
// error. Messages stay coarse so probing reveals as little as possible.
func (s *AuthenticationStage) reject(reason, format string, args ...any) error {
	prommetrics.RecordAuthFailure(reason)
	return wire.Errorf(wire.KindAuthenticationError, format, args...)
}

func (s *AuthenticationStage) checkAPIKey(key string, bag *Bag) error {
	for _, cred := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(cred.Key), []byte(key)) == 1 {
			bag.Principal = cred.Subject
			bag.Roles = cred.Roles
			bag.AuthMethod = "apiKey"
			return nil
		}
	}
	return s.reject("unknown_api_key", "api key not recognized")
}

func (s *AuthenticationStage) checkBasic(encoded string, bag *Bag) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return s.reject("malformed_credentials", "basic credentials are not valid base64")
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return s.reject("malformed_credentials", "basic credentials are missing the separator")
	}
	for _, cred := range s.cfg.BasicUsers {
		// Compare both fields unconditionally so a known username does
		// not return faster than an unknown one.
		userOK := subtle.ConstantTimeCompare([]byte(cred.Username), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(cred.Password), []byte(password)) == 1
		if userOK && passOK {
			bag.Principal = cred.Username
			bag.Roles = cred.Roles
			bag.AuthMethod = "basic"
			return nil
		}
	}
	return s.reject("bad_credentials", "username or password not recognized")
}

func (s *AuthenticationStage) checkBearer(raw string, bag *Bag) error {
	if s.parser == nil {
		return s.reject("unsupported_scheme", "bearer tokens are not accepted")
	}
	jc := s.cfg.JWT

	claims := jwt.MapClaims{}
	if _, err := s.parser.ParseWithClaims(raw, claims, s.keyFor); err != nil {
		return s.reject(bearerReason(err), "bearer token rejected: %v", err)
	}

	now := s.cfg.Clock.Now()
	if jc.MaxAge > 0 {
		iat, err := claims.GetIssuedAt()
		if err != nil || iat == nil {
			return s.reject("invalid_token", "bearer token has no usable iat claim")
		}
		if age := now.Sub(iat.Time); age > jc.MaxAge+jc.ClockSkew {
			return s.reject("stale_token",
				"bearer token was issued %s ago, limit is %s", age.Round(time.Second), jc.MaxAge)
		}
	}

	if s.replay != nil {
		jti, _ := claims["jti"].(string)
		if jti == "" {
			return s.reject("missing_jti", "replay protection requires a jti claim")
		}
		if err := s.replay.add(jti, now); err != nil {
			if errors.Is(err, errReplayCacheFull) {
				return s.reject("replay_cache_full", "replay cache is full")
			}
			return s.reject("replayed_token", "bearer token jti already seen")
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return s.reject("invalid_token", "bearer token has no subject")
	}

	bag.Principal = sub
	bag.Roles = rolesFromClaim(claims[jc.RoleClaim])
	bag.AuthMethod = "bearer"
	bag.Claims = claims
	return nil
}

// keyFor selects the verification key for the token's algorithm. The
// parser has already rejected algorithms outside the allow-list.
func (s *AuthenticationStage) keyFor(token *jwt.Token) (any, error) {
	jc := s.cfg.JWT
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(jc.HMACSecret) == 0 {
			return nil, errors.New("no HMAC secret configured")
		}
		return jc.HMACSecret, nil
	case *jwt.SigningMethodRSA:
		if jc.RSAPublicKey == nil {
			return nil, errors.New("no RSA public key configured")
		}
		return jc.RSAPublicKey, nil
	case *jwt.SigningMethodECDSA:
		if jc.ECDSAPublicKey == nil {
			return nil, errors.New("no ECDSA public key configured")
		}
		return jc.ECDSAPublicKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
}

func bearerReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "token_not_yet_valid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid_issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid_audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad_signature"
	default:
		return "invalid_token"
	}
}

// rolesFromClaim tolerates the common encodings of a role list: a JSON
// array, a pre-parsed string slice, or a space-separated scope string.
func rolesFromClaim(claim any) []string {
	switch v := claim.(type) {
	case []any:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case []string:
		return v
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

var (
	errReplayedToken   = errors.New("jti already seen")
	errReplayCacheFull = errors.New("replay cache is full")
)

// replayCache remembers seen jti values until they expire. Expired entries
// are swept inline when the map hits its bound.
type replayCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func (c *replayCache) add(jti string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.entries[jti]; ok && now.Before(exp) {
		return errReplayedToken
	}
	if len(c.entries) >= replayCacheMaxEntries {
		for key, exp := range c.entries {
			if !now.Before(exp) {
				delete(c.entries, key)
			}
		}
		if len(c.entries) >= replayCacheMaxEntries {
			return errReplayCacheFull
		}
	}
	c.entries[jti] = now.Add(c.ttl)
	return nil
}
