package deploy_test

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/certkeep/certkeep/pkg/certmgr/deploy"
	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

func placeholderCert() *model.Certificate {
	return &model.Certificate{
		Fingerprint: "ABCD1234",
		Name:        "web",
		CertType:    model.CertTypeStandard,
		ValidFrom:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		ValidTo:     time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Unix(),
		SANs: model.SANs{
			Domains: []string{"web.example.com", "www.example.com"},
		},
		Paths: map[string]string{
			"crt": "/etc/certs/web.crt",
			"key": "/etc/certs/web.key",
		},
	}
}

func TestSubstitute(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cert := placeholderCert()

	out := deploy.Substitute("systemctl reload nginx # {name} {cert_path} {domain}", cert, now)
	require.Equal(t, "systemctl reload nginx # web /etc/certs/web.crt web.example.com", out)

	require.Equal(t, "web.example.com,www.example.com", deploy.Substitute("{domains}", cert, now))
	require.Equal(t, "30", deploy.Substitute("{days_until_expiry}", cert, now))
	require.Equal(t, "2026-03-02T00:00:00Z", deploy.Substitute("{timestamp}", cert, now))
	require.Equal(t, "standard", deploy.Substitute("{cert_type}", cert, now))

	// Strings without tokens pass through untouched.
	require.Equal(t, "plain", deploy.Substitute("plain", cert, now))
}

func TestSubstituteJSONRecursesStructures(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	cert := placeholderCert()

	raw := json.RawMessage(`{"cert":"{cert_path}","nested":{"who":"{name}"},"list":["{domain}",7],"n":42}`)
	out := deploy.SubstituteJSON(raw, cert, now)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "/etc/certs/web.crt", decoded["cert"])
	require.Equal(t, "web", decoded["nested"].(map[string]any)["who"])
	require.Equal(t, "web.example.com", decoded["list"].([]any)[0])
	require.Equal(t, float64(7), decoded["list"].([]any)[1])
	require.Equal(t, float64(42), decoded["n"])
}

func TestSubstituteJSONInvalidPassthrough(t *testing.T) {
	raw := json.RawMessage(`{not json`)
	out := deploy.SubstituteJSON(raw, placeholderCert(), time.Now())
	require.Equal(t, raw, out)
}
