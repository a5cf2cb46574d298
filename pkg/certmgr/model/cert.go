package model

import (
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
)

type CertType string
type KeyType string
type ChangeKind string

const (
	CertTypeStandard     CertType = "standard"
	CertTypeRootCA       CertType = "rootCA"
	CertTypeIntermediate CertType = "intermediateCA"
	CertTypeACME         CertType = "acme"

	KeyTypeRSA KeyType = "RSA"
	KeyTypeEC  KeyType = "EC"
	KeyTypeDSA KeyType = "DSA"

	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// PathKeys is the canonical set of artifact format keys. Anything else
// found in a persisted document is migrated or dropped on load.
var PathKeys = []string{
	"crt", "key", "csr", "pem", "p12", "pfx", "der", "cer", "p7b",
	"chain", "fullchain", "ext",
}

// SANs holds active and idle subject alternative names. Idle entries are
// queued for the next renewal and never intersect the active sets.
type SANs struct {
	Domains     []string `json:"domains"`
	IPs         []string `json:"ips"`
	IdleDomains []string `json:"idleDomains,omitempty"`
	IdleIPs     []string `json:"idleIps,omitempty"`
}

// Normalize trims all entries, lowercases domains and removes duplicates
// while preserving order.
func (s *SANs) Normalize() {
	normDomain := func(v string, _ int) string { return strings.ToLower(strings.TrimSpace(v)) }
	normIP := func(v string, _ int) string { return strings.TrimSpace(v) }
	notEmpty := func(v string, _ int) bool { return v != "" }

	s.Domains = lo.Uniq(lo.Filter(lo.Map(s.Domains, normDomain), notEmpty))
	s.IdleDomains = lo.Uniq(lo.Filter(lo.Map(s.IdleDomains, normDomain), notEmpty))
	s.IPs = lo.Uniq(lo.Filter(lo.Map(s.IPs, normIP), notEmpty))
	s.IdleIPs = lo.Uniq(lo.Filter(lo.Map(s.IdleIPs, normIP), notEmpty))

	// Idle sets must not shadow active entries.
	s.IdleDomains = lo.Without(s.IdleDomains, s.Domains...)
	s.IdleIPs = lo.Without(s.IdleIPs, s.IPs...)
}

type PreviousVersion struct {
	Version      int    `json:"version"`
	ArchivedAt   int64  `json:"archivedAt"` // Unix milliseconds.
	Name         string `json:"name,omitempty"`
	Subject      string `json:"subject,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	ValidFrom    int64  `json:"validFrom,omitempty"`
	ValidTo      int64  `json:"validTo,omitempty"`
}

// CertConfig is the renewal and deployment policy persisted per certificate.
type CertConfig struct {
	AutoRenew             bool           `json:"autoRenew"`
	RenewDaysBeforeExpiry int            `json:"renewDaysBeforeExpiry"`
	SignWithCA            bool           `json:"signWithCA"`
	CAFingerprint         string         `json:"caFingerprint,omitempty"`
	CAName                string         `json:"caName,omitempty"`
	DeployActions         []DeployAction `json:"deployActions,omitempty"`
}

const DefaultRenewDaysBeforeExpiry = 30

type Certificate struct {
	Fingerprint string `json:"fingerprint"` // SHA-256 of DER, uppercase hex, no separators.
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Subject            string  `json:"subject"`
	Issuer             string  `json:"issuer"`
	ValidFrom          int64   `json:"validFrom"` // Unix seconds.
	ValidTo            int64   `json:"validTo"`   // Unix seconds.
	SerialNumber       string  `json:"serialNumber"`
	SignatureAlgorithm string  `json:"signatureAlgorithm,omitempty"`
	KeyType            KeyType `json:"keyType,omitempty"`
	KeySize            int     `json:"keySize,omitempty"`

	SubjectKeyID   string `json:"subjectKeyIdentifier,omitempty"`
	AuthorityKeyID string `json:"authorityKeyIdentifier,omitempty"`

	CertType          CertType `json:"certType"`
	IsCA              bool     `json:"isCA"`
	IsRootCA          bool     `json:"isRootCA"`
	SelfSigned        bool     `json:"selfSigned"`
	PathLenConstraint *int     `json:"pathLenConstraint,omitempty"`

	SANs SANs `json:"sans"`

	// Paths maps a format key from PathKeys to an absolute file path.
	// Only keys whose backing file existed at the last verification are kept.
	Paths map[string]string `json:"paths"`

	HasPassphrase     bool `json:"hasPassphrase"`
	NeedsPassphrase   bool `json:"needsPassphrase"`
	PassphraseChecked bool `json:"passphraseChecked"`

	Config CertConfig `json:"config"`

	PreviousVersions map[string]PreviousVersion `json:"previousVersions,omitempty"`

	ModificationTime int64 `json:"modificationTime"` // Unix milliseconds.

	// ACMESettings is an opaque policy envelope, preserved verbatim.
	ACMESettings json.RawMessage `json:"acmeSettings,omitempty"`
}

// Clone returns a deep copy. Catalog readers get clones so published
// entries stay immutable.
func (c *Certificate) Clone() *Certificate {
	dup := *c
	dup.SANs.Domains = append([]string(nil), c.SANs.Domains...)
	dup.SANs.IPs = append([]string(nil), c.SANs.IPs...)
	dup.SANs.IdleDomains = append([]string(nil), c.SANs.IdleDomains...)
	dup.SANs.IdleIPs = append([]string(nil), c.SANs.IdleIPs...)
	dup.Paths = lo.Assign(map[string]string{}, c.Paths)
	if c.PathLenConstraint != nil {
		v := *c.PathLenConstraint
		dup.PathLenConstraint = &v
	}
	dup.Config.DeployActions = append([]DeployAction(nil), c.Config.DeployActions...)
	dup.PreviousVersions = lo.Assign(map[string]PreviousVersion{}, c.PreviousVersions)
	dup.ACMESettings = append(json.RawMessage(nil), c.ACMESettings...)
	return &dup
}

func (c *Certificate) DaysUntilExpiry(now time.Time) int {
	return int(time.Unix(c.ValidTo, 0).Sub(now).Hours() / 24)
}

func (c *Certificate) IsExpired(now time.Time) bool {
	return now.After(time.Unix(c.ValidTo, 0))
}

// RenewWindowDays returns the configured renewal lead time with the
// default applied.
func (c *Certificate) RenewWindowDays() int {
	if c.Config.RenewDaysBeforeExpiry <= 0 {
		return DefaultRenewDaysBeforeExpiry
	}
	return c.Config.RenewDaysBeforeExpiry
}

// CertificateMetadata decorates a catalog entry with derived fields for
// listing consumers.
type CertificateMetadata struct {
	Certificate

	IsExpiredNow          bool   `json:"isExpired"`
	IsExpiringSoon        bool   `json:"isExpiringSoon"`
	DaysUntilExpiryNow    int    `json:"daysUntilExpiry"`
	ResolvedCAName        string `json:"caName,omitempty"`
	CAPassphraseAvailable bool   `json:"caPassphraseAvailable"`
	CAPassphraseRequired  bool   `json:"caPassphraseRequired"`
}

// NormalizeFingerprint strips the optional "SHA256 Fingerprint=" prefix and
// any colon separators, then uppercases. Inputs are normalized on every
// ingress; the catalog stores only this form.
func NormalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if idx := strings.Index(fp, "="); idx >= 0 && strings.Contains(strings.ToUpper(fp[:idx]), "FINGERPRINT") {
		fp = fp[idx+1:]
	}
	fp = strings.ReplaceAll(fp, ":", "")
	return strings.ToUpper(strings.TrimSpace(fp))
}

// SortedFingerprints returns map keys in stable order, for deterministic
// persistence and tests.
func SortedFingerprints[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
