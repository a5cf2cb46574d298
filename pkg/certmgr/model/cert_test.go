package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

func TestNormalizeFingerprint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"abcd12", "ABCD12"},
		{"AB:CD:12", "ABCD12"},
		{"SHA256 Fingerprint=ab:cd:12", "ABCD12"},
		{"sha256 fingerprint=AB:CD:12", "ABCD12"},
		{"  ABCD12  ", "ABCD12"},
		{"", ""},
	}
	for _, c := range cases {
		require.Equal(t, c.want, model.NormalizeFingerprint(c.in), "input %q", c.in)
	}
}

func TestSANsNormalize(t *testing.T) {
	sans := model.SANs{
		Domains:     []string{" Web.Example.COM ", "web.example.com", "", "api.example.com"},
		IPs:         []string{"10.0.0.1", " 10.0.0.1", ""},
		IdleDomains: []string{"API.example.com", "next.example.com"},
		IdleIPs:     []string{"10.0.0.1", "10.0.0.2"},
	}
	sans.Normalize()

	require.Equal(t, []string{"web.example.com", "api.example.com"}, sans.Domains)
	require.Equal(t, []string{"10.0.0.1"}, sans.IPs)

	// Idle sets never shadow active entries.
	require.Equal(t, []string{"next.example.com"}, sans.IdleDomains)
	require.Equal(t, []string{"10.0.0.2"}, sans.IdleIPs)
}

func TestCloneIsDeep(t *testing.T) {
	pathLen := 1
	cert := &model.Certificate{
		Fingerprint:       "AA11",
		Name:              "web",
		SANs:              model.SANs{Domains: []string{"web.example.com"}},
		Paths:             map[string]string{"crt": "/x/web.crt"},
		PathLenConstraint: &pathLen,
		PreviousVersions: map[string]model.PreviousVersion{
			"OLD": {Version: 1},
		},
	}

	dup := cert.Clone()
	dup.SANs.Domains[0] = "changed.example.com"
	dup.Paths["crt"] = "/y/web.crt"
	*dup.PathLenConstraint = 5
	dup.PreviousVersions["OLD"] = model.PreviousVersion{Version: 9}

	require.Equal(t, "web.example.com", cert.SANs.Domains[0])
	require.Equal(t, "/x/web.crt", cert.Paths["crt"])
	require.Equal(t, 1, *cert.PathLenConstraint)
	require.Equal(t, 1, cert.PreviousVersions["OLD"].Version)
}

func TestExpiryHelpers(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cert := &model.Certificate{
		ValidTo: now.Add(10 * 24 * time.Hour).Unix(),
	}

	require.Equal(t, 10, cert.DaysUntilExpiry(now))
	require.False(t, cert.IsExpired(now))
	require.True(t, cert.IsExpired(now.Add(11*24*time.Hour)))

	require.Equal(t, model.DefaultRenewDaysBeforeExpiry, cert.RenewWindowDays())
	cert.Config.RenewDaysBeforeExpiry = 7
	require.Equal(t, 7, cert.RenewWindowDays())
}

func TestCreateOptionsValidate(t *testing.T) {
	require.NoError(t, model.CreateOptions{Name: "web"}.Validate())
	require.NoError(t, model.CreateOptions{Name: "ca", CertType: model.CertTypeRootCA}.Validate())

	err := model.CreateOptions{}.Validate()
	require.ErrorIs(t, err, model.ErrInvalidParameter)

	err = model.CreateOptions{Name: "web", CertType: "wildcard"}.Validate()
	require.ErrorIs(t, err, model.ErrInvalidParameter)

	err = model.CreateOptions{Name: "web", KeySize: 100000}.Validate()
	require.ErrorIs(t, err, model.ErrInvalidParameter)
}

func TestConfigPatchValidate(t *testing.T) {
	days := 14
	require.NoError(t, model.ConfigPatch{RenewDaysBeforeExpiry: &days}.Validate())

	negative := -3
	err := model.ConfigPatch{RenewDaysBeforeExpiry: &negative}.Validate()
	require.ErrorIs(t, err, model.ErrInvalidParameter)
}
