package model

import (
	"errors"
	"fmt"
)

// Base errors. Wrap with fmt.Errorf("...: %w", Err...) and match the kind
// with errors.Is.
var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrNotFound            = errors.New("not found")
	ErrMalformed           = errors.New("malformed")
	ErrPassphraseRequired  = errors.New("passphrase required")
	ErrPassphraseIncorrect = errors.New("passphrase incorrect")
	ErrSigningCANotFound   = errors.New("signing CA not found")
	ErrSigningCAUnusable   = errors.New("signing CA unusable")
	ErrIO                  = errors.New("io error")
	ErrFeatureUnavailable  = errors.New("feature unavailable")
	ErrConflict            = errors.New("conflict")
	ErrCancelled           = errors.New("cancelled")
	ErrInternal            = errors.New("internal error")
)

var ErrCertNotFound = fmt.Errorf("certificate %w", ErrNotFound)
