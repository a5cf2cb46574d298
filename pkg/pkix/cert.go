package pkix

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

// Fingerprint is the primary identifier of a certificate: SHA-256 of the
// DER encoding, uppercase hex without separators.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ParseCertificate reads a certificate artifact from disk and extracts the
// catalog view of it. PEM (first CERTIFICATE block) and raw DER files are
// both accepted.
func (p *Provider) ParseCertificate(path string) (*CertificateInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, model.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", path, model.ErrIO)
	}

	cert, encoding, err := decodeCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %s: %w", path, err.Error(), model.ErrMalformed)
	}

	return InfoFromCertificate(cert, encoding), nil
}

func decodeCertificate(raw []byte) (*x509.Certificate, string, error) {
	rest := raw
	for {
		block, remains := pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, "", err
			}
			return cert, "PEM", nil
		}
		rest = remains
	}

	if !bytes.Contains(raw, []byte("-----BEGIN")) {
		cert, err := x509.ParseCertificate(raw)
		if err == nil {
			return cert, "DER", nil
		}
	}
	return nil, "", fmt.Errorf("no certificate found")
}

// InfoFromCertificate builds a CertificateInfo from an already parsed
// certificate.
func InfoFromCertificate(cert *x509.Certificate, encoding string) *CertificateInfo {
	info := &CertificateInfo{
		Fingerprint:        Fingerprint(cert),
		Subject:            FormatDN(cert.Subject),
		Issuer:             FormatDN(cert.Issuer),
		IssuerCN:           cert.Issuer.CommonName,
		ValidFrom:          cert.NotBefore,
		ValidTo:            cert.NotAfter,
		SerialNumber:       cert.SerialNumber.String(),
		SubjectKeyID:       keyIDHex(cert.SubjectKeyId),
		AuthorityKeyID:     keyIDHex(cert.AuthorityKeyId),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		IsCA:               cert.IsCA,
		Encoding:           encoding,
		Cert:               cert,
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		info.KeyType = model.KeyTypeRSA
		info.KeySize = pub.N.BitLen()
	case *ecdsa.PublicKey:
		info.KeyType = model.KeyTypeEC
		info.KeySize = pub.Curve.Params().BitSize
	default:
		if cert.PublicKeyAlgorithm == x509.DSA {
			info.KeyType = model.KeyTypeDSA
		}
	}

	if cert.BasicConstraintsValid && cert.IsCA {
		if cert.MaxPathLen > 0 || (cert.MaxPathLen == 0 && cert.MaxPathLenZero) {
			pathLen := cert.MaxPathLen
			info.PathLenConstraint = &pathLen
		}
	}

	info.SelfSigned = SameDN(info.Subject, info.Issuer)
	info.IsRootCA = info.SelfSigned && info.IsCA && info.PathLenConstraint == nil

	info.SANs.Domains = append(info.SANs.Domains, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		info.SANs.IPs = append(info.SANs.IPs, ip.String())
	}
	info.SANs.Normalize()

	return info
}

func keyIDHex(id []byte) string {
	return strings.ToUpper(hex.EncodeToString(id))
}

// FindParent resolves the issuer of cert among the candidates. Resolution
// order: AKI/SKI match, issuer DN match, issuer CN match. Self-signed
// certificates resolve to themselves.
func (p *Provider) FindParent(cert *CertificateInfo, all []*CertificateInfo) *CertificateInfo {
	if cert == nil {
		return nil
	}
	if cert.SelfSigned {
		return cert
	}

	if cert.AuthorityKeyID != "" {
		for _, candidate := range all {
			if candidate.SubjectKeyID != "" && candidate.SubjectKeyID == cert.AuthorityKeyID {
				return candidate
			}
		}
	}

	issuer := NormalizeDN(cert.Issuer)
	for _, candidate := range all {
		if candidate.Fingerprint == cert.Fingerprint {
			continue
		}
		if NormalizeDN(candidate.Subject) == issuer {
			return candidate
		}
	}

	if cert.IssuerCN != "" {
		for _, candidate := range all {
			if candidate.Fingerprint == cert.Fingerprint {
				continue
			}
			if DNCommonName(candidate.Subject) == cert.IssuerCN {
				return candidate
			}
		}
	}

	return nil
}

const maxChainDepth = 10

// BuildChain walks parents up to a root. The walk terminates on a
// self-signed certificate, a missing parent, a cycle or depth 10.
func (p *Provider) BuildChain(cert *CertificateInfo, all []*CertificateInfo) []*CertificateInfo {
	chain := []*CertificateInfo{}
	seen := map[string]bool{}

	current := cert
	for current != nil && len(chain) < maxChainDepth {
		if seen[current.Fingerprint] {
			break
		}
		seen[current.Fingerprint] = true
		chain = append(chain, current)

		if current.SelfSigned {
			break
		}
		parent := p.FindParent(current, all)
		if parent == nil || parent.Fingerprint == current.Fingerprint {
			break
		}
		current = parent
	}

	return chain
}

// MarshalCertificatesPEM encodes certificates as concatenated PEM blocks.
func MarshalCertificatesPEM(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, cert := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	}
	return buf.Bytes()
}
