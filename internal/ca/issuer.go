package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// oidOBAAgentID is a private-enterprise OID used to carry the oba_agent_id
// as a custom certificate extension when it isn't well-formed enough to
// embed as a URI SAN.
var oidOBAAgentID = []int{1, 3, 6, 1, 4, 1, 311, 2, 25, 1}

// IssuedCert is the result of leaf issuance: everything the caller
// persists into the AgentCertificate row.
type IssuedCert struct {
	Serial      string
	CertPEM     string
	ChainPEM    string // leaf + issuers
	X5C         []string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string // sha256 hex over the leaf DER
}

// Issuer signs leaf certificates over agent Ed25519 public keys with the
// Manager's root CA. Unlike the CA's own key, the agent keypair is
// supplied by the caller: the CA never generates or holds agent private
// keys (Non-goal: custodying private keys).
type Issuer struct {
	ca *Manager
}

// NewIssuer returns an Issuer backed by ca.
func NewIssuer(ca *Manager) *Issuer {
	return &Issuer{ca: ca}
}

// IssueLeafCert issues a leaf certificate over pub, bound to agentID
// (the oba_agent_id, embedded as a URI SAN when it parses as one).
// ownerCN is sanitized per the subject-CN rules before use. kid is not
// embedded in the certificate itself; it is the join key the caller
// stores alongside it in the AgentCertificate row.
func (i *Issuer) IssueLeafCert(pub ed25519.PublicKey, kid, agentID, ownerCN string, validFor time.Duration) (*IssuedCert, error) {
	if !i.ca.Ready() {
		return nil, fmt.Errorf("ca: root CA not loaded")
	}
	if validFor <= 0 {
		validFor = 90 * 24 * time.Hour
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   SanitizeCN(ownerCN),
			Organization: []string{"OpenBotAuth"},
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validFor),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	if parsedURI, ok := parseAgentURI(agentID); ok {
		template.URIs = append(template.URIs, parsedURI)
	} else if agentID != "" {
		val, err := asn1.Marshal(agentID)
		if err == nil {
			template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
				Id:    oidOBAAgentID,
				Value: val,
			})
		}
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, i.ca.Cert(), pub, i.ca.Key())
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	chainPEM := append(append([]byte{}, leafPEM...), i.ca.CertPEM()...)
	fp := sha256.Sum256(certDER)

	return &IssuedCert{
		Serial:      serial.Text(16),
		CertPEM:     string(leafPEM),
		ChainPEM:    string(chainPEM),
		X5C:         []string{base64.StdEncoding.EncodeToString(certDER), base64.StdEncoding.EncodeToString(i.ca.Cert().Raw)},
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: fmt.Sprintf("%x", fp),
	}, nil
}

// parseAgentURI parses s as an `agent:` URI SAN, returning ok=false for
// anything that doesn't look like one rather than erroring — malformed
// agent IDs degrade to the custom-extension path instead of failing
// issuance outright.
func parseAgentURI(s string) (*url.URL, bool) {
	if !strings.HasPrefix(s, "agent:") {
		return nil, false
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}
	return u, true
}
