package peer

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.miragespace.co/skipgraph/overlay"
	"go.miragespace.co/skipgraph/spec/pki"
	"go.miragespace.co/skipgraph/spec/skipgraph"
	"go.miragespace.co/skipgraph/spec/transport"
	"go.miragespace.co/skipgraph/timing"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	TransportQUIC = "quic"
	TransportTCP  = "tcp"
)

// Flags configure how a command reaches the overlay. Every node of a cluster
// must agree on the transport and the certificate authority.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "transport",
			Value:    TransportTCP,
			Usage:    "overlay transport, either \"quic\" (requires --ca-cert and --ca-key) or \"tcp\"",
			EnvVars:  []string{"SKIPGRAPH_TRANSPORT"},
			Category: "Transport Options",
		},
		&cli.PathFlag{
			Name:     "ca-cert",
			Usage:    "path to the PEM encoded certificate authority shared by the cluster, as written by the ca command",
			EnvVars:  []string{"SKIPGRAPH_CA_CERT"},
			Category: "Transport Options",
		},
		&cli.PathFlag{
			Name:     "ca-key",
			Usage:    "path to the PEM encoded private key of the certificate authority, used to issue this process a certificate",
			EnvVars:  []string{"SKIPGRAPH_CA_KEY"},
			Category: "Transport Options",
		},
		&cli.DurationFlag{
			Name:     "dial-timeout",
			Value:    timing.DialTimeout,
			Usage:    "timeout for establishing a connection to a peer",
			Category: "Transport Options",
		},
	}
}

func Logger(ctx *cli.Context) (*zap.Logger, error) {
	logger, ok := ctx.App.Metadata["logger"].(*zap.Logger)
	if !ok || logger == nil {
		return nil, fmt.Errorf("unable to obtain logger from app context")
	}
	return logger, nil
}

func loadCA(ctx *cli.Context) (tls.Certificate, bool, error) {
	if !ctx.IsSet("ca-cert") && !ctx.IsSet("ca-key") {
		return tls.Certificate{}, false, nil
	}
	certPEM, err := os.ReadFile(ctx.Path("ca-cert"))
	if err != nil {
		return tls.Certificate{}, false, fmt.Errorf("reading ca cert from file: %w", err)
	}
	keyPEM, err := os.ReadFile(ctx.Path("ca-key"))
	if err != nil {
		return tls.Certificate{}, false, fmt.Errorf("reading ca key from file: %w", err)
	}
	ca, err := pki.LoadCA(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, false, err
	}
	return ca, true, nil
}

// NewTransport binds the transport selected by the flags. A certificate named
// after name is issued by the cluster authority when one is configured.
func NewTransport(ctx *cli.Context, logger *zap.Logger, name, listen, advertise string) (transport.Transport, error) {
	conf := overlay.TransportConfig{
		Logger:           logger,
		ListenAddress:    listen,
		AdvertiseAddress: advertise,
		DialTimeout:      ctx.Duration("dial-timeout"),
		RequestTimeout:   timing.RPCTimeout,
	}

	ca, ok, err := loadCA(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		cert, err := pki.IssueCertificate(logger, ca, name)
		if err != nil {
			return nil, err
		}
		conf.ServerTLS, conf.ClientTLS, err = pki.TLSConfigs(ca, cert)
		if err != nil {
			return nil, err
		}
	}

	switch ctx.String("transport") {
	case TransportQUIC:
		if !ok {
			return nil, fmt.Errorf("quic transport requires --ca-cert and --ca-key")
		}
		return overlay.NewQUIC(conf)
	case TransportTCP:
		if !ok {
			logger.Warn("Certificate authority is not configured, overlay traffic is in plaintext")
		}
		return overlay.NewYamux(conf)
	default:
		return nil, fmt.Errorf("unknown transport %q", ctx.String("transport"))
	}
}

func isBits(s string) bool {
	return strings.Trim(s, "01") == ""
}

// ParseIdentifier accepts the canonical hex or bit string form, or a decimal
// number for the lowest 64 bits.
func ParseIdentifier(s string) (skipgraph.Identifier, error) {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil && len(s) != 2*skipgraph.IdentifierSize && len(s) != skipgraph.IdentifierBits {
		return skipgraph.IdentifierFromUint64(v), nil
	}
	return skipgraph.ParseIdentifier(s)
}

// ParseMembershipVector accepts the canonical hex or bit string form, or a
// shorter bit string as a prefix followed by zeros.
func ParseMembershipVector(s string) (skipgraph.MembershipVector, error) {
	if s != "" && len(s) < skipgraph.IdentifierBits && len(s) != 2*skipgraph.IdentifierSize && isBits(s) {
		return skipgraph.MembershipVectorFromBits(s)
	}
	return skipgraph.ParseMembershipVector(s)
}
