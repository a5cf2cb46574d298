package pkix

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/util"
)

const (
	defaultLeafDays = 365
	defaultCADays   = 3650
)

// CreateCertificate issues a certificate into a fresh temporary directory.
// The key is reused from cfg.KeyPath when it exists, generated otherwise.
// With a SigningCA the issuance goes through a CSR signed by the CA,
// otherwise the certificate is self-signed. Destination paths are never
// touched; publication belongs to the caller.
func (p *Provider) CreateCertificate(ctx context.Context, cfg CreateConfig) (result *CreateResult, err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("issuance: %w", model.ErrCancelled)
	}
	if cfg.Name == "" && cfg.Subject == "" {
		return nil, fmt.Errorf("certificate needs a name or subject: %w", model.ErrInvalidParameter)
	}

	tempDir := filepath.Join(os.TempDir(), "certkeep-issue-"+util.NewID())
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", model.ErrIO)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tempDir)
		}
	}()

	base := filepath.Base(strings.TrimSuffix(cfg.CertPath, filepath.Ext(cfg.CertPath)))
	if base == "" || base == "." {
		base = util.SanitizeName(cfg.Name)
	}
	tempCert := filepath.Join(tempDir, base+".crt")
	tempKey := filepath.Join(tempDir, base+".key")

	key, err := p.prepareKey(tempKey, cfg)
	if err != nil {
		return nil, err
	}

	template, err := p.buildTemplate(cfg, key.Public())
	if err != nil {
		return nil, err
	}

	var rawCert []byte
	var tempCSR string
	if cfg.SigningCA != nil {
		tempCSR = filepath.Join(tempDir, base+".csr")
		rawCert, err = p.signWithCA(cfg, template, key, tempCSR)
	} else {
		template.SerialNumber, err = randomSerial()
		if err == nil {
			rawCert, err = x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
		}
	}
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rawCert})
	if err = util.AtomicWriteFile(tempCert, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write temp cert: %s: %w", err.Error(), model.ErrIO)
	}

	issued, err := x509.ParseCertificate(rawCert)
	if err != nil {
		return nil, fmt.Errorf("reparse issued certificate: %s: %w", err.Error(), model.ErrInternal)
	}

	return &CreateResult{
		TempDir:      tempDir,
		TempCertPath: tempCert,
		TempKeyPath:  tempKey,
		TempCSRPath:  tempCSR,
		Info:         InfoFromCertificate(issued, "PEM"),
	}, nil
}

// prepareKey materializes the private key under tempKey and returns the
// signer. An existing key file is copied verbatim so its original encoding
// (including encryption) survives publication.
func (p *Provider) prepareKey(tempKey string, cfg CreateConfig) (crypto.Signer, error) {
	if cfg.KeyPath != "" && util.FileExists(cfg.KeyPath) {
		key, err := ParsePrivateKeyFile(cfg.KeyPath, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		if err := util.CopyFile(cfg.KeyPath, tempKey, 0o600); err != nil {
			return nil, fmt.Errorf("stage key: %s: %w", err.Error(), model.ErrIO)
		}
		return key, nil
	}

	opts := KeyOptions{
		KeyType:    cfg.KeyType,
		Bits:       cfg.KeySize,
		Encrypt:    cfg.Passphrase != "",
		Passphrase: cfg.Passphrase,
	}
	if opts.Bits == 0 && (opts.KeyType == "" || opts.KeyType == model.KeyTypeRSA) {
		if cfg.IsCA {
			opts.Bits = 4096
		} else {
			opts.Bits = 2048
		}
	}
	if err := p.GeneratePrivateKey(tempKey, opts); err != nil {
		return nil, err
	}
	return ParsePrivateKeyFile(tempKey, cfg.Passphrase)
}

func (p *Provider) buildTemplate(cfg CreateConfig, pub crypto.PublicKey) (*x509.Certificate, error) {
	subject, err := parseDNToName(cfg.Subject, cfg.Name)
	if err != nil {
		return nil, err
	}

	days := cfg.Days
	if days <= 0 {
		if cfg.IsCA {
			days = defaultCADays
		} else {
			days = defaultLeafDays
		}
	}

	now := time.Now()
	template := &x509.Certificate{
		Subject:               subject,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(0, 0, days),
		BasicConstraintsValid: true,
	}

	if cfg.IsCA {
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		if cfg.PathLen != nil {
			template.MaxPathLen = *cfg.PathLen
			template.MaxPathLenZero = *cfg.PathLen == 0
		} else {
			template.MaxPathLen = -1
		}
	} else {
		template.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	sans := cfg.SANs
	sans.Normalize()
	template.DNSNames = append(template.DNSNames, sans.Domains...)
	ips := sans.IPs
	if cfg.IncludeIdle {
		template.DNSNames = append(template.DNSNames, sans.IdleDomains...)
		ips = append(ips, sans.IdleIPs...)
	}
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("SAN ip %q: %w", raw, model.ErrInvalidParameter)
		}
		template.IPAddresses = append(template.IPAddresses, ip)
	}

	ski, err := subjectKeyID(pub)
	if err != nil {
		return nil, err
	}
	template.SubjectKeyId = ski

	return template, nil
}

func (p *Provider) signWithCA(cfg CreateConfig, template *x509.Certificate, key crypto.Signer, tempCSR string) ([]byte, error) {
	ca := cfg.SigningCA

	caInfo, err := p.ParseCertificate(ca.CertPath)
	if err != nil {
		return nil, fmt.Errorf("signing CA certificate: %s: %w", err.Error(), model.ErrSigningCAUnusable)
	}
	caKey, err := ParsePrivateKeyFile(ca.KeyPath, ca.Passphrase)
	if err != nil {
		return nil, err
	}

	csrTemplate := x509.CertificateRequest{
		Subject:     template.Subject,
		DNSNames:    template.DNSNames,
		IPAddresses: template.IPAddresses,
	}
	rawCSR, err := x509.CreateCertificateRequest(rand.Reader, &csrTemplate, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: rawCSR})
	if err := util.AtomicWriteFile(tempCSR, csrPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write temp CSR: %s: %w", err.Error(), model.ErrIO)
	}

	serial, err := nextSerialNumber(ca.CertPath)
	if err != nil {
		return nil, err
	}
	template.SerialNumber = serial

	raw, err := x509.CreateCertificate(rand.Reader, template, caInfo.Cert, key.Public(), caKey)
	if err != nil {
		return nil, fmt.Errorf("CA signing: %w", err)
	}
	return raw, nil
}

// nextSerialNumber draws the next serial from the CA's adjacent .srl file,
// seeding it with a random 16-byte value when absent.
func nextSerialNumber(caCertPath string) (*big.Int, error) {
	srlPath := strings.TrimSuffix(caCertPath, filepath.Ext(caCertPath)) + ".srl"

	serial := new(big.Int)
	data, err := os.ReadFile(srlPath)
	switch {
	case err == nil:
		if _, ok := serial.SetString(strings.TrimSpace(string(data)), 16); !ok {
			return nil, fmt.Errorf("serial file %s: %w", srlPath, model.ErrMalformed)
		}
		serial.Add(serial, big.NewInt(1))
	case os.IsNotExist(err):
		seed := make([]byte, 16)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		seed[0] &= 0x7f // keep it positive
		serial.SetBytes(seed)
	default:
		return nil, fmt.Errorf("read serial file %s: %w", srlPath, model.ErrIO)
	}

	content := strings.ToUpper(hex.EncodeToString(serial.Bytes())) + "\n"
	if err := util.AtomicWriteFile(srlPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write serial file %s: %w", srlPath, model.ErrIO)
	}
	return serial, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// subjectKeyID computes the SHA-1 digest of the subject public key
// bit string, the conventional SKI value.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("unmarshal SPKI: %w", err)
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}

// parseDNToName maps a normalized DN string onto pkix.Name. RDN types
// outside the named fields are carried as extra names when their OID is
// known or dotted-numeric; anything else is dropped.
func parseDNToName(dn, fallbackCN string) (pkix.Name, error) {
	name := pkix.Name{}
	if dn == "" {
		if fallbackCN == "" {
			return name, fmt.Errorf("empty subject: %w", model.ErrInvalidParameter)
		}
		name.CommonName = fallbackCN
		return name, nil
	}

	for _, comp := range splitDN(dn) {
		idx := strings.Index(comp, "=")
		if idx < 0 {
			continue
		}
		typ := strings.ToUpper(strings.TrimSpace(comp[:idx]))
		value := unquoteDNValue(strings.TrimSpace(comp[idx+1:]))
		if value == "" {
			continue
		}
		switch typ {
		case "CN":
			name.CommonName = value
		case "C":
			name.Country = append(name.Country, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		default:
			if oid := dnAttributeOID(typ); oid != nil {
				name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oid, Value: value})
			}
		}
	}
	if name.CommonName == "" {
		name.CommonName = fallbackCN
	}
	return name, nil
}

// dnAttributeOID resolves an RDN type outside the pkix.Name fields to its
// attribute OID. Dotted-numeric types are taken verbatim; anything else
// unknown yields nil.
func dnAttributeOID(typ string) asn1.ObjectIdentifier {
	switch typ {
	case "E", "EMAILADDRESS":
		return asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	case "DC":
		return asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	case "UID":
		return asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	}

	parts := strings.Split(typ, ".")
	if len(parts) < 2 {
		return nil
	}
	oid := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil
		}
		oid = append(oid, n)
	}
	return oid
}
