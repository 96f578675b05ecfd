// Package proxyhttp is the inbound proxy surface: the plaintext handler,
// the CONNECT dispatcher with blind tunneling, and the TLS interceptor
// backed by the on-demand certificate authority.
package proxyhttp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CAConfig holds certificate authority configuration.
type CAConfig struct {
	// CertFile is the CA certificate PEM path.
	CertFile string
	// KeyFile is the CA private key PEM path (written with 0600).
	KeyFile string
	// Organization appears in the CA subject.
	Organization string
	// ValidityYears is the CA certificate lifetime (default 10).
	ValidityYears int
}

// CAManager owns the proxy's certificate authority and mints leaf
// certificates for intercepted hosts.
type CAManager struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	logger *slog.Logger
}

// NewCAManager loads the CA keypair from disk or generates a fresh one
// when neither file exists. Exactly one file existing is an error; a
// half-written CA must not be silently regenerated.
func NewCAManager(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	if cfg.ValidityYears <= 0 {
		cfg.ValidityYears = 10
	}

	certExists := fileExists(cfg.CertFile)
	keyExists := fileExists(cfg.KeyFile)
	switch {
	case certExists && keyExists:
		return loadCA(cfg, logger)
	case certExists != keyExists:
		return nil, fmt.Errorf("inconsistent CA state: cert exists=%v, key exists=%v", certExists, keyExists)
	}
	return generateCA(cfg, logger)
}

func loadCA(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("CA cert %s is not PEM", cfg.CertFile)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	logger.Info("certificate authority loaded",
		"cert", cfg.CertFile, "expires", cert.NotAfter.Format(time.RFC3339))
	return &CAManager{caCert: cert, caKey: key, logger: logger}, nil
}

func generateCA(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	ski := subjectKeyID(&key.PublicKey)
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "dproxy Root CA",
			Organization: []string{cfg.Organization},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(cfg.ValidityYears, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          ski,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated CA cert: %w", err)
	}

	if err := writePEM(cfg.CertFile, "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal CA key: %w", err)
	}
	if err := writePEM(cfg.KeyFile, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}

	logger.Info("certificate authority generated",
		"cert", cfg.CertFile, "expires", cert.NotAfter.Format(time.RFC3339))
	return &CAManager{caCert: cert, caKey: key, logger: logger}, nil
}

// GenerateCert mints a leaf certificate for a host. The SAN carries the
// host as DNS name, the host as IP when it is an address literal, and a
// wildcard over the registrable (last-two-labels) domain.
func (cm *CAManager) GenerateCert(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key for %s: %w", host, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(1, 0, 0),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	if len(cm.caCert.SubjectKeyId) > 0 {
		tmpl.AuthorityKeyId = cm.caCert.SubjectKeyId
	}

	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
		tmpl.DNSNames = []string{host}
	} else {
		tmpl.DNSNames = []string{host}
		if wc := wildcardDomain(host); wc != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, wc)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, cm.caCert, &key.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", host, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf for %s: %w", host, err)
	}

	cm.logger.Debug("leaf certificate minted", "host", host, "serial", serial.String())
	return &tls.Certificate{
		Certificate: [][]byte{der, cm.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// CACertPEM returns the CA certificate in PEM form, for client trust
// installation.
func (cm *CAManager) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cm.caCert.Raw})
}

// CACert returns the parsed CA certificate.
func (cm *CAManager) CACert() *x509.Certificate {
	return cm.caCert
}

// wildcardDomain returns "*.<last two labels>" for hosts with at least
// two labels, or "" for bare names.
func wildcardDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}
	return "*." + strings.Join(labels[len(labels)-2:], ".")
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func subjectKeyID(pub *rsa.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(der)
	return sum[:20]
}

// parsePrivateKeyPEM accepts PKCS#8 and PKCS#1 RSA keys.
func parsePrivateKeyPEM(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("key is not PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
