package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/certkeep/certkeep/pkg/certmgr/catalog"
	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/pkix"
	mock_pkix "github.com/certkeep/certkeep/test/mock/pkix"
)

type staticSecrets struct {
	known map[string]string
}

func (s staticSecrets) Has(fingerprint string) bool {
	_, ok := s.known[fingerprint]
	return ok
}

func (s staticSecrets) Get(fingerprint string) *string {
	if value, ok := s.known[fingerprint]; ok {
		return &value
	}
	return nil
}

func TestLoadSkipsUnparseableFiles(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	certsDir := t.TempDir()
	goodCert := filepath.Join(certsDir, "web", "web.crt")
	goodKey := filepath.Join(certsDir, "web", "web.key")
	badCert := filepath.Join(certsDir, "junk", "junk.crt")
	for _, path := range []string{goodCert, goodKey, badCert} {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	}

	const fp = "4A71D2F83C5E9B06D417A8E25F30C1B9D6E48A07325FB1C8094D6E1F7A2B3C5D"
	now := time.Now()
	provider := mock_pkix.NewMockCryptoProvider(ctrl)
	provider.EXPECT().ParseCertificate(goodCert).Return(&pkix.CertificateInfo{
		Fingerprint:  fp,
		Subject:      "CN=web.example.com",
		Issuer:       "CN=web.example.com",
		ValidFrom:    now.Add(-time.Hour),
		ValidTo:      now.Add(90 * 24 * time.Hour),
		SerialNumber: "12345",
		KeyType:      model.KeyTypeEC,
		KeySize:      256,
		SelfSigned:   true,
		SANs:         model.SANs{Domains: []string{"web.example.com"}},
		Encoding:     "PEM",
	}, nil)
	provider.EXPECT().ParseCertificate(badCert).Return(nil, errors.New("no certificate block found"))
	provider.EXPECT().IsKeyEncrypted(goodKey).Return(true)

	cat := catalog.New(provider, staticSecrets{known: map[string]string{fp: "hunter2"}}, certsDir, t.TempDir())
	require.NoError(t, cat.LoadAll(true))

	all := cat.GetAll()
	require.Len(t, all, 1)

	entry := all[0]
	require.Equal(t, fp, entry.Fingerprint)
	require.Equal(t, "web.example.com", entry.Name)
	require.Equal(t, goodCert, entry.Paths["crt"])
	require.Equal(t, goodKey, entry.Paths["key"])
	require.True(t, entry.NeedsPassphrase)
	require.True(t, entry.HasPassphrase)
	require.True(t, entry.PassphraseChecked)
}
