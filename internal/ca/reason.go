package ca

import (
	"fmt"
	"strings"
)

// RevocationReason is one of the RFC 5280 CRL reason codes, stored as a
// lowercase snake_case string
type RevocationReason string

const (
	ReasonUnspecified          RevocationReason = "unspecified"
	ReasonKeyCompromise        RevocationReason = "key_compromise"
	ReasonCACompromise         RevocationReason = "ca_compromise"
	ReasonAffiliationChanged   RevocationReason = "affiliation_changed"
	ReasonSuperseded           RevocationReason = "superseded"
	ReasonCessationOfOperation RevocationReason = "cessation_of_operation"
	ReasonCertificateHold      RevocationReason = "certificate_hold"
	ReasonPrivilegeWithdrawn   RevocationReason = "privilege_withdrawn"
	ReasonRemoveFromCRL        RevocationReason = "remove_from_crl"
	ReasonAACompromise         RevocationReason = "aa_compromise"
)

var validReasons = map[RevocationReason]bool{
	ReasonUnspecified:          true,
	ReasonKeyCompromise:        true,
	ReasonCACompromise:         true,
	ReasonAffiliationChanged:   true,
	ReasonSuperseded:           true,
	ReasonCessationOfOperation: true,
	ReasonCertificateHold:      true,
	ReasonPrivilegeWithdrawn:   true,
	ReasonRemoveFromCRL:        true,
	ReasonAACompromise:         true,
}

// ParseReason normalizes a user-supplied revocation reason: lowercased,
// with '-' accepted as '_', defaulting to "unspecified" when empty. It
// errors for anything outside the fixed RFC 5280 set.
func ParseReason(s string) (RevocationReason, error) {
	if s == "" {
		return ReasonUnspecified, nil
	}
	normalized := RevocationReason(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	if !validReasons[normalized] {
		return "", fmt.Errorf("invalid revocation reason: %q", s)
	}
	return normalized, nil
}
