package proxy

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"
)

// caValidity is how long a generated CA stays valid.
const caValidity = 5 * 365 * 24 * time.Hour

// GenerateCA writes a new self-signed P-256 CA certificate and its key to
// certPath and keyPath. The key file is only readable by its owner.
func GenerateCA(certPath, keyPath string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"swcache Proxy CA"},
			CommonName:   "swcache CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}
	return writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ErrIncompleteCA is returned when only one half of a CA keypair is set.
var ErrIncompleteCA = errors.New("CA certificate and key must be given together")

// LoadCA loads the MITM CA from inline PEM content, or from files when no
// content is given. It returns nil, nil when nothing is configured, in
// which case goproxy's built-in CA is used.
func LoadCA(certPath, keyPath, certContent, keyContent string) (*tls.Certificate, error) {
	var cert tls.Certificate
	var err error
	switch {
	case certContent != "" || keyContent != "":
		if certContent == "" || keyContent == "" {
			return nil, ErrIncompleteCA
		}
		slog.Info("Loading CA certificate from content")
		cert, err = tls.X509KeyPair([]byte(certContent), []byte(keyContent))
	case certPath != "" || keyPath != "":
		if certPath == "" || keyPath == "" {
			return nil, ErrIncompleteCA
		}
		slog.Info("Loading CA certificate from file", "cert", certPath, "key", keyPath)
		cert, err = tls.LoadX509KeyPair(certPath, keyPath)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load CA keypair: %w", err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
		}
	}
	if !cert.Leaf.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", cert.Leaf.Subject.CommonName)
	}
	return &cert, nil
}
