package pkix

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/util"
)

const (
	pemTypeEncryptedPKCS8 = "ENCRYPTED PRIVATE KEY"
	pemTypePKCS8          = "PRIVATE KEY"
	pemTypePKCS1          = "RSA PRIVATE KEY"
	pemTypeEC             = "EC PRIVATE KEY"
)

// GeneratePrivateKey creates a new private key at path with owner-only
// permissions. RSA is the default key type; EC selects a NIST curve by
// Bits (256, 384 or 521).
func (p *Provider) GeneratePrivateKey(path string, opts KeyOptions) error {
	key, err := newSigner(opts)
	if err != nil {
		return err
	}

	pemBytes, err := MarshalPrivateKeyPEM(key, opts)
	if err != nil {
		return err
	}

	if err := util.AtomicWriteFile(path, pemBytes, 0o600); err != nil {
		return fmt.Errorf("write key %s: %s: %w", path, err.Error(), model.ErrIO)
	}
	return nil
}

func newSigner(opts KeyOptions) (crypto.Signer, error) {
	keyType := opts.KeyType
	if keyType == "" {
		keyType = model.KeyTypeRSA
	}

	switch keyType {
	case model.KeyTypeRSA:
		bits := opts.Bits
		if bits == 0 {
			bits = 2048
		}
		if bits < 1024 || bits > 8192 {
			return nil, fmt.Errorf("rsa key size %d: %w", bits, model.ErrInvalidParameter)
		}
		return rsa.GenerateKey(rand.Reader, bits)
	case model.KeyTypeEC:
		var curve elliptic.Curve
		switch opts.Bits {
		case 0, 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("ec curve size %d: %w", opts.Bits, model.ErrInvalidParameter)
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	default:
		return nil, fmt.Errorf("key type %q: %w", keyType, model.ErrInvalidParameter)
	}
}

// MarshalPrivateKeyPEM emits PKCS#8 PEM, encrypted when requested.
func MarshalPrivateKeyPEM(key crypto.Signer, opts KeyOptions) ([]byte, error) {
	if opts.Encrypt && opts.Passphrase != "" {
		der, err := pkcs8.MarshalPrivateKey(key, []byte(opts.Passphrase), nil)
		if err != nil {
			return nil, fmt.Errorf("encrypt private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: pemTypeEncryptedPKCS8, Bytes: der}), nil
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePKCS8, Bytes: der}), nil
}

// IsKeyEncrypted reports whether the key file at path is protected by a
// passphrase. Textual PEM markers are checked first, then an unprotected
// trial parse; inconclusive outcomes report true.
func (p *Provider) IsKeyEncrypted(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return true
	}

	text := string(raw)
	if strings.Contains(text, pemTypeEncryptedPKCS8) || strings.Contains(text, "Proc-Type: 4,ENCRYPTED") {
		return true
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return true
	}
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy DEK-Info keys exist in the wild
		return true
	}

	_, err = parsePrivateKeyBlock(block, "")
	return err != nil
}

// ParsePrivateKeyFile loads a private key, decrypting it with passphrase
// when needed. A missing passphrase for an encrypted key yields
// ErrPassphraseRequired; a failing decryption yields ErrPassphraseIncorrect.
func ParsePrivateKeyFile(path, passphrase string) (crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, model.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", path, model.ErrIO)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block: %w", path, model.ErrMalformed)
	}

	key, err := parsePrivateKeyBlock(block, passphrase)
	if err != nil {
		if errors.Is(err, model.ErrPassphraseRequired) || errors.Is(err, model.ErrPassphraseIncorrect) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, fmt.Errorf("parse key %s: %s: %w", path, err.Error(), model.ErrMalformed)
	}
	return key, nil
}

func parsePrivateKeyBlock(block *pem.Block, passphrase string) (crypto.Signer, error) {
	der := block.Bytes

	switch {
	case block.Type == pemTypeEncryptedPKCS8:
		if passphrase == "" {
			return nil, model.ErrPassphraseRequired
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(der, []byte(passphrase))
		if err != nil {
			return nil, model.ErrPassphraseIncorrect
		}
		return asSigner(key)

	case x509.IsEncryptedPEMBlock(block): //nolint:staticcheck // legacy key support
		if passphrase == "" {
			return nil, model.ErrPassphraseRequired
		}
		plain, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
		if err != nil {
			return nil, model.ErrPassphraseIncorrect
		}
		der = plain
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return asSigner(key)
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key format")
}

func asSigner(key any) (crypto.Signer, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T does not implement crypto.Signer", key)
	}
	return signer, nil
}

// VerifyCertificateKeyPair reports whether keyPath holds the private key of
// the certificate at certPath. RSA pairs compare the modulus, EC pairs the
// curve point.
func (p *Provider) VerifyCertificateKeyPair(certPath, keyPath, passphrase string) (bool, error) {
	info, err := p.ParseCertificate(certPath)
	if err != nil {
		return false, err
	}

	key, err := ParsePrivateKeyFile(keyPath, passphrase)
	if err != nil {
		return false, err
	}

	switch pub := info.Cert.PublicKey.(type) {
	case *rsa.PublicKey:
		priv, ok := key.(*rsa.PrivateKey)
		return ok && priv.N.Cmp(pub.N) == 0, nil
	case *ecdsa.PublicKey:
		priv, ok := key.(*ecdsa.PrivateKey)
		return ok && priv.Curve == pub.Curve && priv.X.Cmp(pub.X) == 0 && priv.Y.Cmp(pub.Y) == 0, nil
	default:
		return false, fmt.Errorf("unsupported public key type %T: %w", pub, model.ErrInvalidParameter)
	}
}
