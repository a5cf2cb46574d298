package renewal_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/certkeep/certkeep/pkg/certmgr/catalog"
	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/certmgr/renewal"
	"github.com/certkeep/certkeep/pkg/certmgr/vault"
	"github.com/certkeep/certkeep/pkg/pkix"
)

type recordingSuppressor struct {
	paths []string
}

func (r *recordingSuppressor) IgnoreFilePaths(paths []string, _ time.Duration) {
	r.paths = append(r.paths, paths...)
}

type EngineTestSuite struct {
	suite.Suite

	ctx        context.Context
	certsDir   string
	configDir  string
	provider   *pkix.Provider
	vault      *vault.Vault
	catalog    *catalog.Catalog
	suppressor *recordingSuppressor
	engine     *renewal.Engine
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.certsDir = s.T().TempDir()
	s.configDir = s.T().TempDir()
	s.provider = pkix.NewProvider()

	var err error
	s.vault, err = vault.Open(s.configDir)
	s.Require().NoError(err)

	s.catalog = catalog.New(s.provider, s.vault, s.certsDir, s.configDir)
	s.suppressor = &recordingSuppressor{}
	s.engine = renewal.NewEngine(s.provider, s.catalog, s.vault, s.suppressor)
	s.catalog.SetRenewer(s.engine)
	s.Require().NoError(s.catalog.LoadAll(false))
}

func (s *EngineTestSuite) create(name string, opts model.CreateOptions) *model.Certificate {
	if opts.Name == "" {
		opts.Name = name
	}
	if opts.KeyType == "" {
		opts.KeyType = model.KeyTypeEC
		opts.KeySize = 256
	}
	result, err := s.engine.Create(s.ctx, opts)
	s.Require().NoError(err)

	entry, err := s.catalog.Get(result.Fingerprint)
	s.Require().NoError(err)
	return entry
}

func (s *EngineTestSuite) TestCreatePublishesArtifacts() {
	entry := s.create("web", model.CreateOptions{
		Subject: "CN=web.example.com",
		SANs:    model.SANs{Domains: []string{"web.example.com"}},
		Days:    30,
	})

	s.Assert().Equal("web", entry.Name)
	s.Assert().FileExists(entry.Paths["crt"])
	s.Assert().FileExists(entry.Paths["key"])
	s.Assert().Contains(s.suppressor.paths, entry.Paths["crt"])

	ok, err := s.provider.VerifyCertificateKeyPair(entry.Paths["crt"], entry.Paths["key"], "")
	s.Require().NoError(err)
	s.Assert().True(ok)

	// Re-creating under the same name conflicts.
	_, err = s.engine.Create(s.ctx, model.CreateOptions{
		Name:    "web",
		Subject: "CN=web.example.com",
		KeyType: model.KeyTypeEC,
		KeySize: 256,
	})
	s.Assert().True(errors.Is(err, model.ErrConflict))
}

func (s *EngineTestSuite) TestRenewKeepsKeyAndArchivesVersion() {
	entry := s.create("web", model.CreateOptions{
		Subject: "CN=web.example.com",
		SANs:    model.SANs{Domains: []string{"web.example.com"}},
		Days:    30,
	})
	keyBefore, err := os.ReadFile(entry.Paths["key"])
	s.Require().NoError(err)

	result, err := s.engine.Renew(s.ctx, entry.Fingerprint, model.RenewOptions{})
	s.Require().NoError(err)
	s.Assert().True(result.Success)
	s.Assert().Equal(entry.Fingerprint, result.PreviousFingerprint)
	s.Assert().NotEqual(entry.Fingerprint, result.Fingerprint)

	keyAfter, err := os.ReadFile(entry.Paths["key"])
	s.Require().NoError(err)
	s.Assert().Equal(keyBefore, keyAfter)

	_, err = s.catalog.Get(entry.Fingerprint)
	s.Assert().True(errors.Is(err, model.ErrNotFound))

	renewed, err := s.catalog.Get(result.Fingerprint)
	s.Require().NoError(err)
	s.Require().Contains(renewed.PreviousVersions, entry.Fingerprint)
	s.Assert().Equal(1, renewed.PreviousVersions[entry.Fingerprint].Version)
	s.Assert().ElementsMatch(entry.SANs.Domains, renewed.SANs.Domains)
}

func (s *EngineTestSuite) TestRenewFreshKeyOnRequest() {
	entry := s.create("web", model.CreateOptions{
		Subject: "CN=web.example.com",
		Days:    30,
		KeyType: model.KeyTypeRSA,
		KeySize: 2048,
	})
	keyBefore, err := os.ReadFile(entry.Paths["key"])
	s.Require().NoError(err)

	result, err := s.engine.Renew(s.ctx, entry.Fingerprint, model.RenewOptions{KeySize: 2048})
	s.Require().NoError(err)

	keyAfter, err := os.ReadFile(entry.Paths["key"])
	s.Require().NoError(err)
	s.Assert().NotEqual(keyBefore, keyAfter)

	renewed, err := s.catalog.Get(result.Fingerprint)
	s.Require().NoError(err)
	s.Assert().Equal(2048, renewed.KeySize)
}

func (s *EngineTestSuite) TestFailedPublishKeepsPreviousKeyPair() {
	entry := s.create("web", model.CreateOptions{
		Subject: "CN=web.example.com",
		Days:    30,
	})
	keyBefore, err := os.ReadFile(entry.Paths["key"])
	s.Require().NoError(err)

	// Turn the certificate path into a directory so the final rename
	// fails. The fresh key requested below is replaced first and must be
	// rolled back when the certificate cannot land.
	s.Require().NoError(os.Remove(entry.Paths["crt"]))
	s.Require().NoError(os.Mkdir(entry.Paths["crt"], 0o755))

	_, err = s.engine.Renew(s.ctx, entry.Fingerprint, model.RenewOptions{KeySize: 256})
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, model.ErrIO))

	keyAfter, err := os.ReadFile(entry.Paths["key"])
	s.Require().NoError(err)
	s.Assert().Equal(keyBefore, keyAfter)
}

func (s *EngineTestSuite) TestACMETypeSurvivesRefreshAndReload() {
	entry := s.create("proxy", model.CreateOptions{
		Subject:  "CN=proxy.example.com",
		CertType: model.CertTypeACME,
		Days:     30,
	})
	s.Require().Equal(model.CertTypeACME, entry.CertType)

	// Re-parsing the artifacts only sees the X.509 shape.
	s.Require().NoError(s.catalog.ForceRefresh())
	refreshed, err := s.catalog.Get(entry.Fingerprint)
	s.Require().NoError(err)
	s.Assert().Equal(model.CertTypeACME, refreshed.CertType)

	// A brand new catalog over the same directories reads the type back
	// from the persisted document.
	reloaded := catalog.New(s.provider, s.vault, s.certsDir, s.configDir)
	s.Require().NoError(reloaded.LoadAll(false))
	reread, err := reloaded.Get(entry.Fingerprint)
	s.Require().NoError(err)
	s.Assert().Equal(model.CertTypeACME, reread.CertType)
}

func (s *EngineTestSuite) TestRenewRestoresSiblingFormats() {
	entry := s.create("web", model.CreateOptions{
		Subject: "CN=web.example.com",
		Days:    30,
	})

	derPath, err := s.provider.Convert(s.ctx, pkix.ConvertRequest{
		CertPath: entry.Paths["crt"],
		Format:   "der",
	})
	s.Require().NoError(err)
	p12Path, err := s.provider.Convert(s.ctx, pkix.ConvertRequest{
		CertPath: entry.Paths["crt"],
		KeyPath:  entry.Paths["key"],
		Format:   "p12",
	})
	s.Require().NoError(err)

	// Pick up the new siblings.
	s.Require().NoError(s.catalog.ForceRefresh())

	result, err := s.engine.Renew(s.ctx, entry.Fingerprint, model.RenewOptions{})
	s.Require().NoError(err)
	s.Assert().ElementsMatch([]string{"der", "p12"}, result.FormatRestoration.Restored)
	s.Assert().Empty(result.FormatRestoration.Failed)

	// The restored DER matches the renewed certificate.
	derInfo, err := s.provider.ParseCertificate(derPath)
	s.Require().NoError(err)
	s.Assert().Equal(result.Fingerprint, derInfo.Fingerprint)
	s.Assert().FileExists(p12Path)
}

func (s *EngineTestSuite) TestRenewWithSigningCA() {
	ca := s.create("ca", model.CreateOptions{
		Subject:  "CN=Test CA",
		CertType: model.CertTypeRootCA,
		Days:     60,
	})
	leaf := s.create("leaf", model.CreateOptions{
		Subject: "CN=leaf.example.com",
		Days:    7,
		Config: model.CertConfig{
			SignWithCA:    true,
			CAFingerprint: ca.Fingerprint,
		},
	})
	s.Assert().False(leaf.SelfSigned)

	result, err := s.engine.Renew(s.ctx, leaf.Fingerprint, model.RenewOptions{})
	s.Require().NoError(err)

	renewed, err := s.catalog.Get(result.Fingerprint)
	s.Require().NoError(err)
	s.Assert().False(renewed.SelfSigned)
	s.Assert().Equal(ca.Fingerprint, renewed.Config.CAFingerprint)
}

func (s *EngineTestSuite) TestRenewEncryptedCAKeyNeedsPassphrase() {
	ca := s.create("ca", model.CreateOptions{
		Subject:    "CN=Locked CA",
		CertType:   model.CertTypeRootCA,
		Days:       60,
		Passphrase: "ca-secret",
	})
	leaf := s.create("leaf", model.CreateOptions{
		Subject: "CN=leaf.example.com",
		Days:    7,
		Config: model.CertConfig{
			SignWithCA:    true,
			CAFingerprint: ca.Fingerprint,
		},
	})

	// With the passphrase in the vault the renewal works.
	_, err := s.engine.Renew(s.ctx, leaf.Fingerprint, model.RenewOptions{})
	s.Require().NoError(err)

	// Without it the renewal fails before touching the artifacts.
	_, err = s.vault.Delete(ca.Fingerprint)
	s.Require().NoError(err)
	certBefore, err := os.ReadFile(leaf.Paths["crt"])
	s.Require().NoError(err)

	entries := s.catalog.GetAll()
	var currentLeaf *model.Certificate
	for _, entry := range entries {
		if entry.Name == "leaf" {
			currentLeaf = entry
		}
	}
	s.Require().NotNil(currentLeaf)

	_, err = s.engine.Renew(s.ctx, currentLeaf.Fingerprint, model.RenewOptions{})
	s.Assert().True(errors.Is(err, model.ErrPassphraseRequired))

	certAfter, err := os.ReadFile(currentLeaf.Paths["crt"])
	s.Require().NoError(err)
	s.Assert().Equal(certBefore, certAfter)
}

func (s *EngineTestSuite) TestApplyIdleSubjectsAndRenew() {
	entry := s.create("web", model.CreateOptions{
		Subject: "CN=web.example.com",
		SANs:    model.SANs{Domains: []string{"web.example.com"}},
		Days:    30,
	})
	s.Require().NoError(s.catalog.AddDomain(entry.Fingerprint, "next.example.com", true))

	result, err := s.catalog.ApplyIdleSubjectsAndRenew(s.ctx, entry.Fingerprint, model.RenewOptions{})
	s.Require().NoError(err)

	renewed, err := s.catalog.Get(result.Fingerprint)
	s.Require().NoError(err)
	s.Assert().Contains(renewed.SANs.Domains, "next.example.com")
	s.Assert().Empty(renewed.SANs.IdleDomains)

	info, err := s.provider.ParseCertificate(renewed.Paths["crt"])
	s.Require().NoError(err)
	s.Assert().Contains(info.SANs.Domains, "next.example.com")
}

func (s *EngineTestSuite) TestSerialFileManagedNextToCA() {
	ca := s.create("ca", model.CreateOptions{
		Subject:  "CN=Test CA",
		CertType: model.CertTypeRootCA,
		Days:     60,
	})
	s.create("leaf", model.CreateOptions{
		Subject: "CN=leaf.example.com",
		Days:    7,
		Config: model.CertConfig{
			SignWithCA:    true,
			CAFingerprint: ca.Fingerprint,
		},
	})

	srl := filepath.Join(filepath.Dir(ca.Paths["crt"]), "ca.srl")
	s.Assert().FileExists(srl)
	s.Assert().Contains(s.suppressor.paths, srl)
}

func (s *EngineTestSuite) TestCreateOrRenewDispatch() {
	result, err := s.catalog.CreateOrRenew(s.ctx, "", &model.CreateOptions{
		Name:    "fresh",
		Subject: "CN=fresh.example.com",
		KeyType: model.KeyTypeEC,
		KeySize: 256,
	}, model.RenewOptions{})
	s.Require().NoError(err)

	renewed, err := s.catalog.CreateOrRenew(s.ctx, result.Fingerprint, nil, model.RenewOptions{})
	s.Require().NoError(err)
	s.Assert().Equal(result.Fingerprint, renewed.PreviousFingerprint)

	_, err = s.catalog.CreateOrRenew(s.ctx, "", nil, model.RenewOptions{})
	s.Assert().True(errors.Is(err, model.ErrInvalidParameter))
}
