package ca

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"

	"go.miragespace.co/skipgraph/cmd/internal/peer"
	"go.miragespace.co/skipgraph/spec/pki"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func Generate() *cli.Command {
	return &cli.Command{
		Name:  "ca",
		Usage: "create the certificate authority of a skip graph",
		Description: `Write ca.crt and ca.key into the certificate directory. Every node and client of the skip graph is given both files
	with --ca-cert and --ca-key, and issues itself a certificate on startup.`,
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "cn",
				Value:    "skipgraph ca",
				Usage:    "common name of the certificate authority",
				Category: "Certificate Options",
			},
			&cli.PathFlag{
				Name:     "certs",
				Value:    "certs",
				Usage:    "path to directory to store ca.crt and ca.key",
				Category: "Certificate Options",
			},
		},
		Action: cmdCA,
	}
}

// WriteCA creates a new authority and stores it in dir. Existing files are
// never overwritten.
func WriteCA(dir, commonName string) (certPath string, keyPath string, err error) {
	ca, err := pki.GenerateCA(commonName)
	if err != nil {
		return "", "", err
	}
	keyPEM, err := pki.MarshalPrivateKey(ca.PrivateKey.(ed25519.PrivateKey))
	if err != nil {
		return "", "", fmt.Errorf("encoding ca key: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("creating certificate directory: %w", err)
	}
	certPath = filepath.Join(dir, "ca.crt")
	keyPath = filepath.Join(dir, "ca.key")
	if err := writeNew(certPath, pki.MarshalCertificate(ca.Certificate[0]), 0644); err != nil {
		return "", "", err
	}
	if err := writeNew(keyPath, keyPEM, 0600); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

func writeNew(path string, content []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func cmdCA(ctx *cli.Context) error {
	logger, err := peer.Logger(ctx)
	if err != nil {
		return err
	}

	certPath, keyPath, err := WriteCA(ctx.Path("certs"), ctx.String("cn"))
	if err != nil {
		return err
	}

	logger.Info("Certificate authority created", zap.String("cert", certPath), zap.String("key", keyPath))
	return nil
}
