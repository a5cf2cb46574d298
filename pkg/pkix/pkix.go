// Package pkix implements the crypto provider of the lifecycle manager:
// X.509 parsing and issuance, private key handling, format conversion and
// chain resolution. It is a pure Go implementation on top of crypto/x509.
package pkix

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

// CertificateInfo is everything the catalog needs to know about one parsed
// certificate artifact.
type CertificateInfo struct {
	Fingerprint string

	Subject  string
	Issuer   string
	IssuerCN string

	ValidFrom    time.Time
	ValidTo      time.Time
	SerialNumber string

	SubjectKeyID   string
	AuthorityKeyID string

	SignatureAlgorithm string
	KeyType            model.KeyType
	KeySize            int

	IsCA              bool
	PathLenConstraint *int
	SelfSigned        bool
	IsRootCA          bool

	SANs model.SANs

	// Encoding is the best-effort original encoding of the source file,
	// "PEM" or "DER".
	Encoding string

	Cert *x509.Certificate
}

// CertType derives the classification from the parsed flags. A self-signed
// CA without a path length constraint is a root; any other CA is an
// intermediate.
func (info *CertificateInfo) CertType() model.CertType {
	switch {
	case info.IsRootCA:
		return model.CertTypeRootCA
	case info.IsCA:
		return model.CertTypeIntermediate
	default:
		return model.CertTypeStandard
	}
}

// KeyOptions controls private key generation.
type KeyOptions struct {
	KeyType    model.KeyType // Defaults to RSA.
	Bits       int           // RSA modulus bits or EC curve size (256/384/521).
	Encrypt    bool
	Passphrase string
}

// SigningCA names the artifacts of the certificate that signs an issuance.
type SigningCA struct {
	CertPath   string
	KeyPath    string
	Passphrase string
}

// CreateConfig enumerates the inputs of CreateCertificate.
type CreateConfig struct {
	Name     string
	CertPath string
	KeyPath  string

	Subject string // Distinguished name; CN=Name is used when empty.
	SANs    model.SANs

	Days       int
	KeyType    model.KeyType
	KeySize    int
	IsCA       bool
	PathLen    *int
	Passphrase string

	SigningCA *SigningCA

	// IncludeIdle folds the idle SAN sets into the issued certificate.
	IncludeIdle bool
}

// CreateResult points at the freshly issued artifacts. Everything lives
// under a unique temporary directory; the caller owns publication and
// cleanup.
type CreateResult struct {
	TempDir      string
	TempCertPath string
	TempKeyPath  string
	TempCSRPath  string
	Info         *CertificateInfo
}

// ConvertRequest re-materializes a certificate into another encoding.
type ConvertRequest struct {
	CertPath   string
	KeyPath    string // Required for p12/pfx.
	Format     string // pem, der, cer, p12, pfx, p7b.
	OutputPath string // Derived from CertPath when empty.
	Passphrase string // Private key passphrase, if any.

	// ChainCerts carries optional intermediates for p12/p7b output.
	ChainCerts []*x509.Certificate
}

// CryptoProvider is the contract between the lifecycle manager and the
// cryptographic implementation.
type CryptoProvider interface {
	ParseCertificate(path string) (*CertificateInfo, error)
	GeneratePrivateKey(path string, opts KeyOptions) error
	IsKeyEncrypted(path string) bool
	CreateCertificate(ctx context.Context, cfg CreateConfig) (*CreateResult, error)
	Convert(ctx context.Context, req ConvertRequest) (string, error)
	VerifyCertificateKeyPair(certPath, keyPath, passphrase string) (bool, error)
	FindParent(cert *CertificateInfo, all []*CertificateInfo) *CertificateInfo
	BuildChain(cert *CertificateInfo, all []*CertificateInfo) []*CertificateInfo
}

// Provider is the default CryptoProvider.
type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

var _ CryptoProvider = (*Provider)(nil)
