// Package ca manages the Ed25519 root certificate authority, leaf issuance
// bound to a JWK thumbprint, and revocation.
package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// Manager owns the OpenBotAuth root CA's lifecycle: create-once,
// load-thereafter, persisted as PEM on disk.
type Manager struct {
	dir  string
	cert *x509.Certificate
	key  ed25519.PrivateKey
}

// NewManager returns a Manager that stores the CA files in dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// LoadOrCreate loads the CA from disk if present, otherwise generates and
// persists a new one.
func (m *Manager) LoadOrCreate() error {
	if err := m.Load(); err == nil {
		return nil
	}
	return m.Create()
}

// Load reads an existing CA certificate and key from the configured
// directory.
func (m *Manager) Load() error {
	certPEM, err := os.ReadFile(filepath.Join(m.dir, caCertFile))
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(m.dir, caKeyFile))
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}
	cert, key, err := decodeCertAndKey(certPEM, keyPEM)
	if err != nil {
		return err
	}
	m.cert = cert
	m.key = key
	return nil
}

// Create generates a new Ed25519 root CA, persists it, and activates it.
func (m *Manager) Create() error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir %q: %w", m.dir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "OpenBotAuth Root CA",
			Organization: []string{"OpenBotAuth"},
		},
		NotBefore:             time.Now().UTC().Add(-time.Minute),
		NotAfter:              time.Now().UTC().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM, err := encodeEd25519Key(priv)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(m.dir, caCertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, caKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	m.cert = cert
	m.key = priv
	return nil
}

// Cert returns the loaded CA certificate, or nil if not yet loaded.
func (m *Manager) Cert() *x509.Certificate { return m.cert }

// Key returns the loaded CA private key.
func (m *Manager) Key() ed25519.PrivateKey { return m.key }

// Ready reports whether the CA has been loaded or created.
func (m *Manager) Ready() bool { return m.cert != nil && m.key != nil }

// CertPEM returns the CA certificate encoded as PEM, for the
// `GET /.well-known/ca.pem` bundle.
func (m *Manager) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.cert.Raw})
}

// CertPool returns an x509.CertPool containing only this CA certificate.
func (m *Manager) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.cert)
	return pool
}

func decodeCertAndKey(certPEM, keyPEM []byte) (*x509.Certificate, ed25519.PrivateKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key is not Ed25519")
	}
	return cert, key, nil
}

func encodeEd25519Key(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal CA key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// randomSerial generates a cryptographically random 128-bit certificate
// serial, unique enough across all certificates issued by one CA instance.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
