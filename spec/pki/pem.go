package pki

import (
	"bytes"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

func UnmarshalPrivateKey(pemBytes []byte) (ed25519.PrivateKey, error) {
	p, _ := pem.Decode(pemBytes)
	if p == nil {
		return nil, fmt.Errorf("pki: no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(p.Bytes)
	if err != nil {
		return nil, err
	}
	if ed, ok := key.(ed25519.PrivateKey); ok {
		return ed, nil
	}
	return nil, x509.ErrUnsupportedAlgorithm
}

func MarshalPrivateKey(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := new(bytes.Buffer)
	pem.Encode(keyPEM, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	})
	return keyPEM.Bytes(), nil
}

func MarshalCertificate(derBytes []byte) (pemBytes []byte) {
	certPEM := new(bytes.Buffer)
	pem.Encode(certPEM, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})
	return certPEM.Bytes()
}

// LoadCA parses a PEM encoded ed25519 authority, as written by the ca command.
func LoadCA(certPEM, keyPEM []byte) (tls.Certificate, error) {
	key, err := UnmarshalPrivateKey(keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pki: failed to parse ca key: %w", err)
	}
	p, _ := pem.Decode(certPEM)
	if p == nil || p.Type != "CERTIFICATE" {
		return tls.Certificate{}, fmt.Errorf("pki: no certificate found")
	}
	return tls.Certificate{
		Certificate: [][]byte{p.Bytes},
		PrivateKey:  key,
	}, nil
}
