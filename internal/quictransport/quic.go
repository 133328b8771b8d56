package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for dropzone.
	ALPNProtocol = "dropzone/1"
)

// ServerConfig returns a TLS configuration with a fresh self-signed certificate.
// Peers are identified by the hello preamble, not by the certificate.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a TLS configuration for dialing peers. Certificates are
// not verified.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}

// DefaultQUICConfig returns the QUIC config used for both directions. The
// idle timeout bounds how long a silent peer keeps its connection.
func DefaultQUICConfig() *quic.Config {
	cfg, _ := BuildQUICConfig(&quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}, DefaultTuning)
	return cfg
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"dropzone"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Endpoint listens and dials on one UDP socket, so a peer's outgoing
// connections come from the port it announces.
type Endpoint struct {
	udp      net.PacketConn
	tr       *quic.Transport
	listener *quic.Listener
	config   *quic.Config
	logger   *slog.Logger
}

// Listen binds addr (for example ":0") and starts accepting QUIC connections.
func Listen(addr string, config *quic.Config, logger *slog.Logger) (*Endpoint, error) {
	if config == nil {
		config = DefaultQUICConfig()
	}
	tlsConfig, err := ServerConfig()
	if err != nil {
		return nil, err
	}

	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}

	if size, err := tuneUDP(udpConn, DefaultUDPBuffer); err != nil {
		logger.Debug("UDP buffer tuning denied", "error", err, "requested", size)
	}

	tr := &quic.Transport{Conn: udpConn}
	listener, err := tr.Listen(tlsConfig, config)
	if err != nil {
		tr.Close()
		udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return nil, err
	}

	logger.Info("QUIC listener created", "local_addr", udpConn.LocalAddr())
	return &Endpoint{
		udp:      udpConn,
		tr:       tr,
		listener: listener,
		config:   config,
		logger:   logger,
	}, nil
}

// Addr is the bound local address.
func (e *Endpoint) Addr() net.Addr {
	return e.udp.LocalAddr()
}

// Port is the bound UDP port.
func (e *Endpoint) Port() int {
	if a, ok := e.udp.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// Accept waits for the next incoming connection.
func (e *Endpoint) Accept(ctx context.Context) (*quic.Conn, error) {
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return conn, nil
}

// Dial connects to a "host:port" address.
func (e *Endpoint) Dial(ctx context.Context, addr string) (*quic.Conn, error) {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	e.logger.Debug("QUIC dial starting", "remote_addr", remote)
	conn, err := e.tr.Dial(ctx, remote, ClientConfig(), e.config)
	if err != nil {
		e.logger.Warn("QUIC dial failed", "error", err, "remote_addr", remote)
		return nil, err
	}

	e.logger.Debug("QUIC connection established", "remote_addr", remote)
	return conn, nil
}

// Close stops the listener and closes every connection on the socket.
func (e *Endpoint) Close() error {
	e.listener.Close()
	err := e.tr.Close()
	e.udp.Close()
	return err
}
