package deploy

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/certkeep/certkeep/pkg/certmgr/model"
)

// Substitute replaces the certificate placeholder tokens inside template.
// It is the single substitution implementation; every action type that
// accepts templated strings goes through here.
func Substitute(template string, cert *model.Certificate, now time.Time) string {
	if !strings.Contains(template, "{") {
		return template
	}

	domain := ""
	if len(cert.SANs.Domains) > 0 {
		domain = cert.SANs.Domains[0]
	}

	replacer := strings.NewReplacer(
		"{name}", cert.Name,
		"{fingerprint}", cert.Fingerprint,
		"{cert_path}", cert.Paths["crt"],
		"{key_path}", cert.Paths["key"],
		"{pem_path}", cert.Paths["pem"],
		"{p12_path}", cert.Paths["p12"],
		"{chain_path}", cert.Paths["chain"],
		"{fullchain_path}", cert.Paths["fullchain"],
		"{domains}", strings.Join(cert.SANs.Domains, ","),
		"{domain}", domain,
		"{valid_from}", time.Unix(cert.ValidFrom, 0).UTC().Format(time.RFC3339),
		"{valid_to}", time.Unix(cert.ValidTo, 0).UTC().Format(time.RFC3339),
		"{days_until_expiry}", strconv.Itoa(cert.DaysUntilExpiry(now)),
		"{cert_type}", string(cert.CertType),
		"{timestamp}", now.UTC().Format(time.RFC3339),
	)
	return replacer.Replace(template)
}

// SubstituteJSON applies Substitute to every leaf string of a JSON value,
// recursing through objects and arrays. Non-string leaves pass through
// untouched; a value that does not parse is returned as-is.
func SubstituteJSON(raw json.RawMessage, cert *model.Certificate, now time.Time) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return raw
	}
	substituted, err := json.Marshal(substituteValue(value, cert, now))
	if err != nil {
		return raw
	}
	return substituted
}

func substituteValue(value any, cert *model.Certificate, now time.Time) any {
	switch v := value.(type) {
	case string:
		return Substitute(v, cert, now)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = substituteValue(item, cert, now)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = substituteValue(item, cert, now)
		}
		return out
	default:
		return value
	}
}
