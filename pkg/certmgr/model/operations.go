package model

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goccy/go-json"
)

// RenewOptions tunes a single renewal run.
type RenewOptions struct {
	Days        int     `json:"days,omitempty"`
	KeySize     int     `json:"keySize,omitempty"`
	Passphrase  *string `json:"passphrase,omitempty"` // Overrides the vault entry when set.
	IncludeIdle bool    `json:"includeIdle,omitempty"`
}

// CreateOptions initializes a brand new catalog entry.
type CreateOptions struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Subject     string     `json:"subject,omitempty"` // CN=Name is used when empty.
	CertType    CertType   `json:"certType,omitempty"`
	KeyType     KeyType    `json:"keyType,omitempty"`
	KeySize     int        `json:"keySize,omitempty"`
	Days        int        `json:"days,omitempty"`
	SANs        SANs       `json:"sans"`
	Passphrase  string     `json:"passphrase,omitempty"`
	Config      CertConfig `json:"config"`
}

func (o CreateOptions) Validate() error {
	err := validation.ValidateStruct(&o,
		validation.Field(&o.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&o.CertType, validation.In(
			CertTypeStandard, CertTypeRootCA, CertTypeIntermediate, CertTypeACME, CertType(""),
		)),
		validation.Field(&o.KeySize, validation.Min(0), validation.Max(8192)),
		validation.Field(&o.Days, validation.Min(0), validation.Max(36500)),
	)
	if err != nil {
		return wrapInvalid(err)
	}
	return nil
}

// FormatRestoration accounts for the format re-materialization pass after
// a renewal.
type FormatRestoration struct {
	Restored []string `json:"restored"`
	Failed   []string `json:"failed"`
}

// RenewResult reports the outcome of a renewal or creation.
type RenewResult struct {
	Success             bool              `json:"success"`
	Fingerprint         string            `json:"fingerprint"`
	PreviousFingerprint string            `json:"previousFingerprint,omitempty"`
	FormatRestoration   FormatRestoration `json:"formatRestoration"`
}

// ConfigPatch merge-updates the policy fields of a catalog entry. Nil
// fields are left untouched.
type ConfigPatch struct {
	Name                  *string         `json:"name,omitempty"`
	Description           *string         `json:"description,omitempty"`
	AutoRenew             *bool           `json:"autoRenew,omitempty"`
	RenewDaysBeforeExpiry *int            `json:"renewDaysBeforeExpiry,omitempty"`
	SignWithCA            *bool           `json:"signWithCA,omitempty"`
	CAFingerprint         *string         `json:"caFingerprint,omitempty"`
	DeployActions         *[]DeployAction `json:"deployActions,omitempty"`
	ACMESettings          json.RawMessage `json:"acmeSettings,omitempty"`
}

func (p ConfigPatch) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.RenewDaysBeforeExpiry, validation.Min(1), validation.Max(3650)),
	)
	if err != nil {
		return wrapInvalid(err)
	}
	return nil
}

func wrapInvalid(err error) error {
	return fmt.Errorf("%s: %w", err.Error(), ErrInvalidParameter)
}
