// Package mitm issues the certificates used to intercept TLS connections
// tunneled through the proxy.
package mitm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Issuer supplies TLS configuration for both legs of an intercepted
// connection.
type Issuer interface {
	// ServerConfig configures the handshake with the origin.
	ServerConfig(host string, port int) *tls.Config
	// ClientConfigFor configures the handshake with the client, once the
	// origin handshake described by serverState succeeded.
	ClientConfigFor(serverState tls.ConnectionState, hostPort string) (*tls.Config, error)
}

// Options tune an Authority.
type Options struct {
	// UpstreamRoots verifies origin certificates; nil uses the system pool.
	UpstreamRoots *x509.CertPool
	// InsecureUpstream skips origin certificate verification.
	InsecureUpstream bool
	// LeafTTL is how long issued certificates are valid and cached.
	LeafTTL time.Duration
}

const defaultLeafTTL = 7 * 24 * time.Hour

// Authority is an Issuer signing one leaf certificate per host name with its
// own CA.
type Authority struct {
	cert    *x509.Certificate
	key     crypto.Signer
	certPEM []byte
	opts    Options
	leaves  *cache.Cache
	group   singleflight.Group
}

var _ Issuer = (*Authority)(nil)

// LoadOrCreate loads a CA from certPath and keyPath, generating and writing
// a new one if neither exists.
func LoadOrCreate(certPath, keyPath string, opts Options) (*Authority, error) {
	certPEM, errCert := os.ReadFile(certPath)
	keyPEM, errKey := os.ReadFile(keyPath)
	switch {
	case errCert == nil && errKey == nil:
		return NewAuthority(certPEM, keyPEM, opts)
	case errors.Is(errCert, os.ErrNotExist) && errors.Is(errKey, os.ErrNotExist):
	case errCert != nil:
		return nil, fmt.Errorf("read CA certificate: %w", errCert)
	default:
		return nil, fmt.Errorf("read CA key: %w", errKey)
	}

	certPEM, keyPEM, err := GenerateCA("Waypoint Proxy CA")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return nil, fmt.Errorf("create CA directory: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write CA certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}
	return NewAuthority(certPEM, keyPEM, opts)
}

// NewAuthority builds an Authority from a PEM encoded CA certificate and key.
func NewAuthority(certPEM, keyPEM []byte, opts Options) (*Authority, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("CA certificate: no PEM certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	if !cert.IsCA {
		return nil, errors.New("CA certificate is not a CA")
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	if opts.LeafTTL <= 0 {
		opts.LeafTTL = defaultLeafTTL
	}

	return &Authority{
		cert:    cert,
		key:     key,
		certPEM: certPEM,
		opts:    opts,
		// Expire cached leaves well before they do.
		leaves: cache.New(opts.LeafTTL/2, time.Hour),
	}, nil
}

// CertificatePEM returns the CA certificate clients need to trust.
func (a *Authority) CertificatePEM() []byte {
	return append([]byte(nil), a.certPEM...)
}

func (a *Authority) ServerConfig(host string, _ int) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		RootCAs:            a.opts.UpstreamRoots,
		InsecureSkipVerify: a.opts.InsecureUpstream,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
	}
}

func (a *Authority) ClientConfigFor(_ tls.ConnectionState, hostPort string) (*tls.Config, error) {
	cert, err := a.CertificateForHost(hostPort)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// CertificateForHost returns a certificate for host, which may carry a port.
func (a *Authority) CertificateForHost(host string) (*tls.Certificate, error) {
	host = normalizeServerName(host)
	if host == "" {
		return nil, errors.New("host must not be empty")
	}
	if v, ok := a.leaves.Get(host); ok {
		return v.(*tls.Certificate), nil
	}

	v, err, _ := a.group.Do(host, func() (any, error) {
		cert, err := a.issue(host)
		if err != nil {
			return nil, err
		}
		a.leaves.SetDefault(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (a *Authority) issue(host string) (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber:          newSerialNumber(),
		Subject:               pkix.Name{CommonName: host},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(a.opts.LeafTTL),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		tpl.IPAddresses = []net.IP{ip}
	} else {
		tpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, a.cert, &priv.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("create host certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse host certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, a.cert.Raw},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// GenerateCA creates a self-signed CA certificate and key, PEM encoded.
func GenerateCA(commonName string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	now := time.Now()
	tpl := &x509.Certificate{
		SerialNumber:          newSerialNumber(),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal CA key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func parsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("CA key: no PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse CA key: %w", err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse CA key: %w", err)
		}
		return k, nil
	}

	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	if signer, ok := k.(crypto.Signer); ok {
		return signer, nil
	}
	return nil, fmt.Errorf("CA key: unsupported key type %T", k)
}

func newSerialNumber() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

// normalizeServerName strips any port and brackets, trailing dot and case
// from a host name.
func normalizeServerName(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
