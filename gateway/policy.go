package gateway

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// Policy is the YAML-loadable description of a full admission chain.
// Sections left out fall back to defaults (validation, tracing) or are
// omitted from the chain entirely (rate limiting, authentication,
// authorization).
type Policy struct {
	Validation    *ValidationPolicy    `yaml:"validation"`
	RateLimit     *RateLimitPolicy     `yaml:"rateLimit"`
	Auth          *AuthPolicy          `yaml:"auth"`
	Authorization *AuthorizationPolicy `yaml:"authorization"`
}

// ValidationPolicy mirrors ValidationConfig with per-method schemas as
// inline JSON documents keyed by method name.
type ValidationPolicy struct {
	MaxPayloadBytes       int               `yaml:"maxPayloadBytes"`
	MaxMetadataEntries    int               `yaml:"maxMetadataEntries"`
	MaxMetadataValueBytes int               `yaml:"maxMetadataValueBytes"`
	MaxIdentifierLength   int               `yaml:"maxIdentifierLength"`
	Schemas               map[string]string `yaml:"schemas"`
}

// RateLimitPolicy mirrors RateLimitConfig.
type RateLimitPolicy struct {
	RequestsPerSecond float64                 `yaml:"requestsPerSecond"`
	BurstSize         int                     `yaml:"burstSize"`
	TTLSeconds        int                     `yaml:"ttlSeconds"`
	PerMethod         map[string]WindowPolicy `yaml:"perMethod"`
}

// WindowPolicy is a sliding-window limit in policy form.
type WindowPolicy struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"windowSeconds"`
}

// AuthPolicy selects the accepted credential types.
type AuthPolicy struct {
	AllowAnonymous bool           `yaml:"allowAnonymous"`
	JWT            *JWTPolicy     `yaml:"jwt"`
	APIKeys        []APIKeyPolicy `yaml:"apiKeys"`
	Basic          []BasicPolicy  `yaml:"basic"`
}

// JWTPolicy is JWTConfig in policy form. Public keys are inline PEM.
type JWTPolicy struct {
	Issuer            string `yaml:"issuer"`
	Audience          string `yaml:"audience"`
	ClockSkewSeconds  int    `yaml:"clockSkewSeconds"`
	MaxAgeSeconds     int    `yaml:"maxAgeSeconds"`
	ReplayProtection  bool   `yaml:"replayProtection"`
	ReplayTTLSeconds  int    `yaml:"replayTTLSeconds"`
	RoleClaim         string `yaml:"roleClaim"`
	HMACSecret        string `yaml:"hmacSecret"`
	RSAPublicKeyPEM   string `yaml:"rsaPublicKeyPEM"`
	ECDSAPublicKeyPEM string `yaml:"ecdsaPublicKeyPEM"`
}

// APIKeyPolicy is one static API key principal.
type APIKeyPolicy struct {
	Key     string   `yaml:"key"`
	Subject string   `yaml:"subject"`
	Roles   []string `yaml:"roles"`
}

// BasicPolicy is one static username/password principal.
type BasicPolicy struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

// AuthorizationPolicy holds the RBAC rule set.
type AuthorizationPolicy struct {
	Rules []Rule `yaml:"rules"`
}

// LoadPolicy reads and parses a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return &p, nil
}

// Build assembles the admission chain the policy describes. Stage order is
// fixed: validation, rate limiting, authentication, authorization,
// tracing. The returned stop function halts background limiter work and
// must be called when the chain is retired.
func (p *Policy) Build(tp trace.TracerProvider, clock clockwork.Clock) (*Chain, func(), error) {
	var stages []Stage
	stop := func() {}

	var vcfg ValidationConfig
	var schemas map[string]string
	if vp := p.Validation; vp != nil {
		vcfg = ValidationConfig{
			MaxPayloadBytes:       vp.MaxPayloadBytes,
			MaxMetadataEntries:    vp.MaxMetadataEntries,
			MaxMetadataValueBytes: vp.MaxMetadataValueBytes,
			MaxIdentifierLength:   vp.MaxIdentifierLength,
		}
		schemas = vp.Schemas
	}
	validation := NewValidationStage(vcfg)
	for method, schema := range schemas {
		if err := validation.AddSchema(method, []byte(schema)); err != nil {
			return nil, nil, err
		}
	}
	stages = append(stages, validation)

	if rp := p.RateLimit; rp != nil {
		cfg := RateLimitConfig{
			RequestsPerSecond: rp.RequestsPerSecond,
			BurstSize:         rp.BurstSize,
			TTL:               time.Duration(rp.TTLSeconds) * time.Second,
			Clock:             clock,
		}
		if len(rp.PerMethod) > 0 {
			cfg.PerMethod = make(map[string]WindowLimit, len(rp.PerMethod))
			for method, wp := range rp.PerMethod {
				cfg.PerMethod[method] = WindowLimit{
					Limit:  wp.Limit,
					Window: time.Duration(wp.WindowSeconds) * time.Second,
				}
			}
		}
		limiter := NewRateLimitStage(cfg)
		stages = append(stages, limiter)
		stop = limiter.Close
	}

	if ap := p.Auth; ap != nil {
		cfg, err := ap.config(clock)
		if err != nil {
			stop()
			return nil, nil, err
		}
		stages = append(stages, NewAuthenticationStage(cfg))
	}

	if zp := p.Authorization; zp != nil {
		stages = append(stages, NewAuthorizationStage(zp.Rules))
	}

	stages = append(stages, NewTracingStage(tp))
	return NewChain(stages...), stop, nil
}

func (ap *AuthPolicy) config(clock clockwork.Clock) (AuthConfig, error) {
	cfg := AuthConfig{AllowAnonymous: ap.AllowAnonymous, Clock: clock}

	if jp := ap.JWT; jp != nil {
		if jp.Issuer == "" {
			return cfg, fmt.Errorf("jwt policy requires an issuer")
		}
		jc := &JWTConfig{
			Issuer:           jp.Issuer,
			Audience:         jp.Audience,
			ClockSkew:        time.Duration(jp.ClockSkewSeconds) * time.Second,
			MaxAge:           time.Duration(jp.MaxAgeSeconds) * time.Second,
			ReplayProtection: jp.ReplayProtection,
			ReplayTTL:        time.Duration(jp.ReplayTTLSeconds) * time.Second,
			RoleClaim:        jp.RoleClaim,
		}
		if jp.HMACSecret != "" {
			jc.HMACSecret = []byte(jp.HMACSecret)
		}
		if jp.RSAPublicKeyPEM != "" {
			key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(jp.RSAPublicKeyPEM))
			if err != nil {
				return cfg, fmt.Errorf("failed to parse RSA public key: %w", err)
			}
			jc.RSAPublicKey = key
		}
		if jp.ECDSAPublicKeyPEM != "" {
			key, err := jwt.ParseECPublicKeyFromPEM([]byte(jp.ECDSAPublicKeyPEM))
			if err != nil {
				return cfg, fmt.Errorf("failed to parse ECDSA public key: %w", err)
			}
			jc.ECDSAPublicKey = key
		}
		if len(jc.HMACSecret) == 0 && jc.RSAPublicKey == nil && jc.ECDSAPublicKey == nil {
			return cfg, fmt.Errorf("jwt policy requires at least one verification key")
		}
		cfg.JWT = jc
	}

	for _, kp := range ap.APIKeys {
		if kp.Key == "" || kp.Subject == "" {
			return cfg, fmt.Errorf("api key entries require key and subject")
		}
		cfg.APIKeys = append(cfg.APIKeys, APIKeyCredential{Key: kp.Key, Subject: kp.Subject, Roles: kp.Roles})
	}
	for _, bp := range ap.Basic {
		if bp.Username == "" || bp.Password == "" {
			return cfg, fmt.Errorf("basic auth entries require username and password")
		}
		cfg.BasicUsers = append(cfg.BasicUsers, BasicCredential{Username: bp.Username, Password: bp.Password, Roles: bp.Roles})
	}
	return cfg, nil
}
