package pki

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

const (
	// ServerName is presented and verified on every overlay connection;
	// peers are addressed by ip:port so the name cannot be the address.
	ServerName = "skipgraph.overlay"

	// ALPN of the QUIC overlay
	Protocol = "skipgraph/1"

	DefaultCAValidity   time.Duration = time.Hour * 24 * 365 * 10
	DefaultCertValidity time.Duration = time.Hour * 24 * 365
)

// GenerateCA creates a self-signed ed25519 certificate authority. Every node
// of a cluster must be issued a certificate by the same authority.
func GenerateCA(commonName string) (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: failed to generate ca key: %w", err)
	}

	sn, err := rand.Int(rand.Reader, max)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: failed to generate ca serial: %w", err)
	}

	now := time.Now()
	ca := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(DefaultCAValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, ca, ca, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: failed to generate ca: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// IssueCertificate signs a fresh node certificate with ca, valid for both
// sides of a mutual TLS handshake.
func IssueCertificate(logger *zap.Logger, ca tls.Certificate, commonName string) (tls.Certificate, error) {
	caCert, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: failed to parse ca: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: failed to generate node key: %w", err)
	}

	sn, err := rand.Int(rand.Reader, max)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: failed to generate certificate serial: %w", err)
	}

	now := time.Now()
	cert := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		DNSNames:              []string{ServerName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(DefaultCertValidity),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, cert, caCert, pub, ca.PrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: failed to issue node certificate: %w", err)
	}

	logger.Debug("Node certificate issued", zap.String("commonName", commonName))

	return tls.Certificate{
		Certificate: [][]byte{der, ca.Certificate[0]},
		PrivateKey:  priv,
	}, nil
}

// TLSConfigs returns the listener and dialer sides of the overlay, both
// requiring the peer to present a certificate issued by ca.
func TLSConfigs(ca tls.Certificate, node tls.Certificate) (server *tls.Config, client *tls.Config, err error) {
	caCert, err := x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return nil, nil, fmt.Errorf("pki: failed to parse ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	server = &tls.Config{
		Certificates: []tls.Certificate{node},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		NextProtos:   []string{Protocol},
		MinVersion:   tls.VersionTLS13,
	}
	client = &tls.Config{
		Certificates: []tls.Certificate{node},
		RootCAs:      pool,
		ServerName:   ServerName,
		NextProtos:   []string{Protocol},
		MinVersion:   tls.VersionTLS13,
	}
	return
}

var (
	max = new(big.Int)
)

func init() {
	max.Exp(big.NewInt(2), big.NewInt(130), nil).Sub(max, big.NewInt(1))
}
