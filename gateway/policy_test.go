package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/briannadoubt/trebuchet/wire"
)

const samplePolicy = `
validation:
  maxPayloadBytes: 2048
  schemas:
    greet: '{"type":"array","items":[{"type":"string"}]}'
rateLimit:
  requestsPerSecond: 50
  burstSize: 100
  ttlSeconds: 300
  perMethod:
    observeCount:
      limit: 5
      windowSeconds: 60
auth:
  jwt:
    issuer: "https://auth.trebuchet.test"
    audience: trebuchet-api
    clockSkewSeconds: 60
    replayProtection: true
    hmacSecret: "0123456789abcdef"
  apiKeys:
    - key: k-123
      subject: svc-metrics
      roles: [reader]
authorization:
  rules:
    - role: reader
      actor: counter-*
      method: observe*
    - role: admin
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	require.Equal(t, 2048, p.Validation.MaxPayloadBytes)
	require.Contains(t, p.Validation.Schemas, "greet")

	require.Equal(t, 50.0, p.RateLimit.RequestsPerSecond)
	require.Equal(t, 100, p.RateLimit.BurstSize)
	require.Equal(t, WindowPolicy{Limit: 5, WindowSeconds: 60}, p.RateLimit.PerMethod["observeCount"])

	require.Equal(t, "https://auth.trebuchet.test", p.Auth.JWT.Issuer)
	require.True(t, p.Auth.JWT.ReplayProtection)
	require.Len(t, p.Auth.APIKeys, 1)

	require.Len(t, p.Authorization.Rules, 2)
	require.Equal(t, Rule{Role: "reader", Actor: "counter-*", Method: "observe*"}, p.Authorization.Rules[0])
	require.Equal(t, Rule{Role: "admin"}, p.Authorization.Rules[1], "omitted patterns stay empty")
}

func TestParsePolicyRejectsMalformedYAML(t *testing.T) {
	_, err := ParsePolicy([]byte("rateLimit: ["))
	require.Error(t, err)
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.NotNil(t, p.Auth)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestPolicyBuildsFullChain(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	chain, stop, err := p.Build(nil, clockwork.NewFakeClock())
	require.NoError(t, err)
	defer stop()

	require.Equal(t,
		[]string{"validation", "rateLimit", "authentication", "authorization", "tracing"},
		chain.Stages())

	rec := &dispatchRecorder{}

	t.Run("api key principal admitted", func(t *testing.T) {
		env := invocation("c-1", "counter-9", "observeCount")
		env.Invocation.Metadata[MetadataAPIKey] = "k-123"
		resp, err := chain.Invoke(context.Background(), env, &Bag{}, rec.dispatch)
		require.NoError(t, err)
		require.Nil(t, resp.Response.Error)
		require.Equal(t, 1, rec.count())
	})

	t.Run("missing credentials rejected", func(t *testing.T) {
		env := invocation("c-2", "counter-9", "observeCount")
		resp, err := chain.Invoke(context.Background(), env, &Bag{}, rec.dispatch)
		require.NoError(t, err)
		require.NotNil(t, resp.Response.Error)
		require.Equal(t, wire.KindAuthenticationError, resp.Response.Error.Kind)
	})

	t.Run("authenticated but unauthorized method rejected", func(t *testing.T) {
		env := invocation("c-3", "counter-9", "increment")
		env.Invocation.Metadata[MetadataAPIKey] = "k-123"
		resp, err := chain.Invoke(context.Background(), env, &Bag{}, rec.dispatch)
		require.NoError(t, err)
		require.NotNil(t, resp.Response.Error)
		require.Equal(t, wire.KindAuthorizationError, resp.Response.Error.Kind)
	})

	t.Run("schema rejects wrong argument type", func(t *testing.T) {
		env := invocation("c-4", "counter-9", "greet")
		env.Invocation.Arguments = [][]byte{[]byte(`42`)}
		resp, err := chain.Invoke(context.Background(), env, &Bag{}, rec.dispatch)
		require.NoError(t, err)
		require.NotNil(t, resp.Response.Error)
		require.Equal(t, wire.KindValidationError, resp.Response.Error.Kind)
	})

	require.Equal(t, 1, rec.count(), "only the admitted invocation reached dispatch")
}

func TestPolicyBuildErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"jwt without issuer", "auth:\n  jwt:\n    hmacSecret: abc\n"},
		{"jwt without keys", "auth:\n  jwt:\n    issuer: https://x\n"},
		{"api key without subject", "auth:\n  apiKeys:\n    - key: k-1\n"},
		{"broken schema", "validation:\n  schemas:\n    greet: '{'\n"},
		{"bad rsa pem", "auth:\n  jwt:\n    issuer: https://x\n    rsaPublicKeyPEM: not-pem\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ParsePolicy([]byte(tc.yaml))
			require.NoError(t, err)
			_, _, err = p.Build(nil, clockwork.NewFakeClock())
			require.Error(t, err)
		})
	}
}
