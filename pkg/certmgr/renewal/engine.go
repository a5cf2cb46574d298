// Package renewal drives certificate issuance and re-issuance: it resolves
// signing material, issues into a staging directory, publishes atomically
// over the previous artifacts and restores every sibling format the old
// certificate was kept in.
package renewal

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/pkix"
	"github.com/certkeep/certkeep/pkg/util"
)

// restorableFormats are the sibling encodings the engine re-materializes
// after publication, in this order.
var restorableFormats = []string{"pem", "der", "cer", "p12", "pfx", "p7b"}

// CertIndex is the slice of the catalog the engine drives.
type CertIndex interface {
	Get(fingerprint string) (*model.Certificate, error)
	ReplaceAfterRenewal(oldFingerprint string, info *pkix.CertificateInfo, paths map[string]string) (*model.Certificate, error)
	InsertNew(entry *model.Certificate) error
	CertsDir() string
}

// SecretStore is the passphrase vault surface the engine needs.
type SecretStore interface {
	Has(fingerprint string) bool
	Get(fingerprint string) *string
	Put(fingerprint, passphrase string) error
	Delete(fingerprint string) (bool, error)
}

// Suppressor mutes watcher events on paths the engine is about to write.
// A zero window means the watcher's default.
type Suppressor interface {
	IgnoreFilePaths(paths []string, window time.Duration)
}

type noopSuppressor struct{}

func (noopSuppressor) IgnoreFilePaths([]string, time.Duration) {}

type Engine struct {
	provider   pkix.CryptoProvider
	index      CertIndex
	vault      SecretStore
	suppressor Suppressor
}

func NewEngine(provider pkix.CryptoProvider, index CertIndex, vault SecretStore, suppressor Suppressor) *Engine {
	if suppressor == nil {
		suppressor = noopSuppressor{}
	}
	return &Engine{
		provider:   provider,
		index:      index,
		vault:      vault,
		suppressor: suppressor,
	}
}

// Renew re-issues the certificate in place. The existing key is kept
// unless opts.KeySize asks for a fresh one of a given size. Every sibling
// format present before the renewal is restored afterwards; restoration
// failures are reported, not fatal.
func (e *Engine) Renew(ctx context.Context, fingerprint string, opts model.RenewOptions) (*model.RenewResult, error) {
	entry, err := e.index.Get(fingerprint)
	if err != nil {
		return nil, err
	}

	certPath := primaryPath(entry)
	if certPath == "" {
		return nil, fmt.Errorf("certificate %s has no artifact on disk: %w", entry.Fingerprint, model.ErrIO)
	}
	keyPath := entry.Paths["key"]
	if keyPath == "" {
		keyPath = strings.TrimSuffix(certPath, filepath.Ext(certPath)) + ".key"
	}

	passphrase, err := e.resolvePassphrase(entry, opts.Passphrase)
	if err != nil {
		return nil, err
	}

	signingCA, err := e.resolveSigningCA(entry, opts.Passphrase)
	if err != nil {
		return nil, err
	}

	// Snapshot which sibling encodings exist now so they can be restored
	// from the renewed certificate.
	siblings := map[string]string{}
	for _, format := range restorableFormats {
		if path, ok := entry.Paths[format]; ok && path != certPath {
			siblings[format] = path
		}
	}

	days := opts.Days
	if days <= 0 {
		days = previousValidityDays(entry)
	}

	cfg := pkix.CreateConfig{
		Name:        entry.Name,
		CertPath:    certPath,
		Subject:     entry.Subject,
		SANs:        entry.SANs,
		Days:        days,
		KeyType:     entry.KeyType,
		IsCA:        entry.IsCA,
		PathLen:     entry.PathLenConstraint,
		Passphrase:  passphrase,
		SigningCA:   signingCA,
		IncludeIdle: opts.IncludeIdle,
	}
	if opts.KeySize > 0 {
		// A requested size means a fresh key; leaving KeyPath empty makes
		// the provider generate one.
		cfg.KeySize = opts.KeySize
	} else if util.FileExists(keyPath) {
		cfg.KeyPath = keyPath
		cfg.KeySize = entry.KeySize
	} else {
		cfg.KeySize = entry.KeySize
	}

	result, err := e.provider.CreateCertificate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(result.TempDir)

	csrPath := entry.Paths["csr"]
	if csrPath == "" && result.TempCSRPath != "" {
		csrPath = strings.TrimSuffix(certPath, filepath.Ext(certPath)) + ".csr"
	}

	newPaths := lo.Assign(map[string]string{}, entry.Paths)
	newPaths[formatKeyOf(certPath)] = certPath
	newPaths["key"] = keyPath
	if csrPath != "" && result.TempCSRPath != "" {
		newPaths["csr"] = csrPath
	}

	targets := append(lo.Values(siblings), certPath, keyPath, csrPath)
	if signingCA != nil {
		targets = append(targets, serialFilePath(signingCA.CertPath))
	}
	e.suppressor.IgnoreFilePaths(targets, 0)

	if err := e.publish(result, certPath, keyPath, csrPath); err != nil {
		return nil, err
	}

	restoration := e.restoreFormats(ctx, certPath, keyPath, passphrase, signingCA, siblings)

	published, err := e.index.ReplaceAfterRenewal(entry.Fingerprint, result.Info, newPaths)
	if err != nil {
		return nil, err
	}

	// A key passphrase follows the certificate to its new fingerprint.
	if passphrase != "" {
		if err := e.vault.Put(published.Fingerprint, passphrase); err != nil {
			logrus.Warnf("store passphrase for %s: %v", published.Fingerprint, err)
		}
		if published.Fingerprint != entry.Fingerprint {
			if _, err := e.vault.Delete(entry.Fingerprint); err != nil {
				logrus.Warnf("drop stale passphrase for %s: %v", entry.Fingerprint, err)
			}
		}
	}

	logrus.Infof("renewed %s: %s -> %s", entry.Name, entry.Fingerprint, published.Fingerprint)
	return &model.RenewResult{
		Success:             true,
		Fingerprint:         published.Fingerprint,
		PreviousFingerprint: entry.Fingerprint,
		FormatRestoration:   restoration,
	}, nil
}

// Create issues a brand new certificate under the managed tree and
// registers it.
func (e *Engine) Create(ctx context.Context, opts model.CreateOptions) (*model.RenewResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Join(e.index.CertsDir(), util.SanitizeName(opts.Name))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %s: %w", dir, err.Error(), model.ErrIO)
	}
	base := util.SanitizeName(opts.Name)
	certPath := filepath.Join(dir, base+".crt")
	keyPath := filepath.Join(dir, base+".key")
	if util.FileExists(certPath) {
		return nil, fmt.Errorf("%s already exists: %w", certPath, model.ErrConflict)
	}

	isCA := opts.CertType == model.CertTypeRootCA || opts.CertType == model.CertTypeIntermediate

	var signingCA *pkix.SigningCA
	if opts.Config.SignWithCA || opts.CertType == model.CertTypeIntermediate {
		if opts.Config.CAFingerprint == "" {
			return nil, fmt.Errorf("signing requested without a CA: %w", model.ErrSigningCANotFound)
		}
		caEntry := &model.Certificate{Config: model.CertConfig{
			SignWithCA:    true,
			CAFingerprint: opts.Config.CAFingerprint,
		}}
		var err error
		signingCA, err = e.resolveSigningCA(caEntry, nil)
		if err != nil {
			return nil, err
		}
	}

	cfg := pkix.CreateConfig{
		Name:       opts.Name,
		CertPath:   certPath,
		Subject:    opts.Subject,
		SANs:       opts.SANs,
		Days:       opts.Days,
		KeyType:    opts.KeyType,
		KeySize:    opts.KeySize,
		IsCA:       isCA,
		Passphrase: opts.Passphrase,
		SigningCA:  signingCA,
	}
	result, err := e.provider.CreateCertificate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(result.TempDir)

	csrPath := ""
	if result.TempCSRPath != "" {
		csrPath = filepath.Join(dir, base+".csr")
	}

	targets := []string{certPath, keyPath, csrPath}
	if signingCA != nil {
		targets = append(targets, serialFilePath(signingCA.CertPath))
	}
	e.suppressor.IgnoreFilePaths(targets, 0)

	if err := e.publish(result, certPath, keyPath, csrPath); err != nil {
		return nil, err
	}

	entry := &model.Certificate{
		Fingerprint: result.Info.Fingerprint,
		Name:        opts.Name,
		Description: opts.Description,
		Paths: map[string]string{
			"crt": certPath,
			"key": keyPath,
		},
		Config:          opts.Config,
		HasPassphrase:   opts.Passphrase != "",
		NeedsPassphrase: opts.Passphrase != "",
	}
	if csrPath != "" {
		entry.Paths["csr"] = csrPath
	}
	applyIssuedInfo(entry, result.Info)
	if opts.CertType == model.CertTypeACME {
		entry.CertType = model.CertTypeACME
	}

	if opts.Passphrase != "" {
		if err := e.vault.Put(entry.Fingerprint, opts.Passphrase); err != nil {
			logrus.Warnf("store passphrase for %s: %v", entry.Fingerprint, err)
		}
	}

	if err := e.index.InsertNew(entry); err != nil {
		return nil, err
	}

	logrus.Infof("created %s (%s)", opts.Name, entry.Fingerprint)
	return &model.RenewResult{
		Success:     true,
		Fingerprint: entry.Fingerprint,
	}, nil
}

// resolvePassphrase returns the key passphrase for an entry, preferring an
// explicit override over the vault. An encrypted key with no passphrase
// anywhere is a hard error before any issuance work starts.
func (e *Engine) resolvePassphrase(entry *model.Certificate, override *string) (string, error) {
	if override != nil {
		return *override, nil
	}
	if !entry.NeedsPassphrase {
		return "", nil
	}
	if stored := e.vault.Get(entry.Fingerprint); stored != nil {
		return *stored, nil
	}
	return "", fmt.Errorf("key of %s is encrypted and no passphrase is stored: %w",
		entry.Fingerprint, model.ErrPassphraseRequired)
}

// resolveSigningCA locates the signing CA's artifacts and passphrase. The
// CA key's passphrase is pre-checked here so issuance never fails halfway
// for a predictable reason.
func (e *Engine) resolveSigningCA(entry *model.Certificate, override *string) (*pkix.SigningCA, error) {
	if !entry.Config.SignWithCA || entry.Config.CAFingerprint == "" {
		return nil, nil
	}

	caEntry, err := e.index.Get(entry.Config.CAFingerprint)
	if err != nil {
		return nil, fmt.Errorf("signing CA %s: %w", entry.Config.CAFingerprint, model.ErrSigningCANotFound)
	}

	caCertPath := primaryPath(caEntry)
	caKeyPath := caEntry.Paths["key"]
	if caCertPath == "" || caKeyPath == "" || !util.FileExists(caCertPath) || !util.FileExists(caKeyPath) {
		return nil, fmt.Errorf("signing CA %s is missing artifacts: %w", caEntry.Fingerprint, model.ErrSigningCAUnusable)
	}

	passphrase := ""
	if stored := e.vault.Get(caEntry.Fingerprint); stored != nil {
		passphrase = *stored
	}
	if passphrase == "" && e.provider.IsKeyEncrypted(caKeyPath) {
		return nil, fmt.Errorf("signing CA %s key is encrypted and no passphrase is stored: %w",
			caEntry.Fingerprint, model.ErrPassphraseRequired)
	}

	return &pkix.SigningCA{
		CertPath:   caCertPath,
		KeyPath:    caKeyPath,
		Passphrase: passphrase,
	}, nil
}

// publish replaces the live artifacts with the staged ones, key first so a
// reader of the new certificate always finds its matching key. Every write
// goes through a sibling temp file and a rename; when any artifact fails
// the ones already replaced are put back, so a failed publication leaves
// the previous pair on disk byte for byte.
func (e *Engine) publish(result *pkix.CreateResult, certPath, keyPath, csrPath string) error {
	type artifact struct {
		src, dst string
		perm     os.FileMode
	}
	artifacts := []artifact{{result.TempKeyPath, keyPath, 0o600}}
	if csrPath != "" && result.TempCSRPath != "" {
		artifacts = append(artifacts, artifact{result.TempCSRPath, csrPath, 0o644})
	}
	artifacts = append(artifacts, artifact{result.TempCertPath, certPath, 0o644})

	previous := map[string][]byte{}
	for _, a := range artifacts {
		if !util.FileExists(a.dst) {
			continue
		}
		data, err := os.ReadFile(a.dst)
		if err != nil {
			return fmt.Errorf("snapshot %s: %s: %w", a.dst, err.Error(), model.ErrIO)
		}
		previous[a.dst] = data
	}

	for i, a := range artifacts {
		err := util.CopyFile(a.src, a.dst, a.perm)
		if err == nil {
			continue
		}
		for _, done := range artifacts[:i] {
			var restoreErr error
			if old, ok := previous[done.dst]; ok {
				restoreErr = util.AtomicWriteFile(done.dst, old, done.perm)
			} else {
				restoreErr = os.Remove(done.dst)
			}
			if restoreErr != nil {
				logrus.Errorf("restore %s after failed publication: %v", done.dst, restoreErr)
			}
		}
		return fmt.Errorf("publish %s: %s: %w", a.dst, err.Error(), model.ErrIO)
	}
	return nil
}

// restoreFormats regenerates each snapshotted sibling encoding from the
// freshly published certificate.
func (e *Engine) restoreFormats(ctx context.Context, certPath, keyPath, passphrase string, signingCA *pkix.SigningCA, siblings map[string]string) model.FormatRestoration {
	restoration := model.FormatRestoration{
		Restored: []string{},
		Failed:   []string{},
	}

	chain := e.chainFor(signingCA)

	for _, format := range restorableFormats {
		outputPath, ok := siblings[format]
		if !ok {
			continue
		}
		_, err := e.provider.Convert(ctx, pkix.ConvertRequest{
			CertPath:   certPath,
			KeyPath:    keyPath,
			Format:     format,
			OutputPath: outputPath,
			Passphrase: passphrase,
			ChainCerts: chain,
		})
		if err != nil {
			logrus.Warnf("restore %s (%s): %v", format, outputPath, err)
			restoration.Failed = append(restoration.Failed, format)
			continue
		}
		restoration.Restored = append(restoration.Restored, format)
	}
	return restoration
}

// chainFor loads the signing CA certificate for bundle formats. Best
// effort; p12 and p7b are still valid without intermediates.
func (e *Engine) chainFor(signingCA *pkix.SigningCA) []*x509.Certificate {
	if signingCA == nil {
		return nil
	}
	info, err := e.provider.ParseCertificate(signingCA.CertPath)
	if err != nil || info.Cert == nil {
		return nil
	}
	return []*x509.Certificate{info.Cert}
}

func primaryPath(entry *model.Certificate) string {
	for _, key := range []string{"crt", "pem", "cer"} {
		if path, ok := entry.Paths[key]; ok {
			return path
		}
	}
	return ""
}

func formatKeyOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pem":
		return "pem"
	case ".cer":
		return "cer"
	default:
		return "crt"
	}
}

func serialFilePath(caCertPath string) string {
	return strings.TrimSuffix(caCertPath, filepath.Ext(caCertPath)) + ".srl"
}

// previousValidityDays keeps the renewed certificate's lifetime equal to
// the old one's.
func previousValidityDays(entry *model.Certificate) int {
	span := time.Unix(entry.ValidTo, 0).Sub(time.Unix(entry.ValidFrom, 0))
	days := int(span.Hours() / 24)
	if days <= 0 {
		return 0
	}
	return days
}

func applyIssuedInfo(entry *model.Certificate, info *pkix.CertificateInfo) {
	entry.Subject = info.Subject
	entry.Issuer = info.Issuer
	entry.ValidFrom = info.ValidFrom.Unix()
	entry.ValidTo = info.ValidTo.Unix()
	entry.SerialNumber = info.SerialNumber
	entry.SignatureAlgorithm = info.SignatureAlgorithm
	entry.KeyType = info.KeyType
	entry.KeySize = info.KeySize
	entry.SubjectKeyID = info.SubjectKeyID
	entry.AuthorityKeyID = info.AuthorityKeyID
	entry.CertType = info.CertType()
	entry.IsCA = info.IsCA
	entry.IsRootCA = info.IsRootCA
	entry.SelfSigned = info.SelfSigned
	entry.PathLenConstraint = info.PathLenConstraint
	entry.SANs.Domains = append([]string(nil), info.SANs.Domains...)
	entry.SANs.IPs = append([]string(nil), info.SANs.IPs...)
	entry.SANs.Normalize()
	entry.PassphraseChecked = true
}
