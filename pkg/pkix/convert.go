package pkix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.mozilla.org/pkcs7"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
	"github.com/certkeep/certkeep/pkg/util"
)

// Convert re-materializes the certificate at req.CertPath into the
// requested format. PEM and DER conversions are idempotent; p12/pfx
// requires the private key.
func (p *Provider) Convert(ctx context.Context, req ConvertRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("convert: %w", model.ErrCancelled)
	}

	format := strings.ToLower(strings.TrimSpace(req.Format))
	outputPath := req.OutputPath
	if outputPath == "" {
		outputPath = strings.TrimSuffix(req.CertPath, filepath.Ext(req.CertPath)) + "." + format
	}

	info, err := p.ParseCertificate(req.CertPath)
	if err != nil {
		return "", err
	}

	var data []byte
	switch format {
	case "pem":
		data = MarshalCertificatesPEM(info.Cert)

	case "der", "cer":
		data = info.Cert.Raw

	case "p12", "pfx":
		if req.KeyPath == "" || !util.FileExists(req.KeyPath) {
			return "", fmt.Errorf("%s output needs the private key: %w", format, model.ErrNotFound)
		}
		key, err := ParsePrivateKeyFile(req.KeyPath, req.Passphrase)
		if err != nil {
			return "", err
		}
		data, err = pkcs12.Modern.Encode(key, info.Cert, req.ChainCerts, req.Passphrase)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", format, err)
		}

	case "p7b":
		raw := info.Cert.Raw
		for _, chainCert := range req.ChainCerts {
			raw = append(raw, chainCert.Raw...)
		}
		data, err = pkcs7.DegenerateCertificate(raw)
		if err != nil {
			return "", fmt.Errorf("encode p7b: %w", err)
		}

	default:
		return "", fmt.Errorf("format %q: %w", req.Format, model.ErrInvalidParameter)
	}

	perm := os.FileMode(0o644)
	if format == "p12" || format == "pfx" {
		perm = 0o600 // contains the private key
	}
	if err := util.AtomicWriteFile(outputPath, data, perm); err != nil {
		return "", fmt.Errorf("write %s: %s: %w", outputPath, err.Error(), model.ErrIO)
	}
	return outputPath, nil
}
