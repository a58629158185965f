// Package tls builds the server-side TLS configuration used by SMTP STARTTLS.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// selfSignedValidity is the lifetime of generated certificates.
const selfSignedValidity = 365 * 24 * time.Hour

// Config selects between file-backed and generated certificates.
type Config struct {
	CertFile string
	KeyFile  string
	// Hosts are the DNS names and IPs placed in a generated certificate.
	// The first entry becomes the CN. Defaults to localhost and 127.0.0.1.
	Hosts []string
}

// GenerateSelfSignedCert generates an in-memory ECDSA P-256 self-signed
// certificate for hosts. No files are written to disk.
func GenerateSelfSignedCert(hosts ...string) (*tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: hosts[0], Organization: []string{"alias-forwarder"}},
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509 key pair: %w", err)
	}

	return &cert, nil
}

// Load returns a server tls.Config. With both files set, the key pair is read
// from disk and re-read whenever the certificate file changes, so rotated
// certificates are picked up without a restart. Otherwise a self-signed
// certificate is generated for cfg.Hosts.
func Load(cfg Config, logger *zap.Logger) (*tls.Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.CertFile == "" || cfg.KeyFile == "" {
		cert, err := GenerateSelfSignedCert(cfg.Hosts...)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		logger.Warn("using generated self-signed certificate", zap.Strings("hosts", cfg.Hosts))
		return &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}

	r := &reloader{certFile: cfg.CertFile, keyFile: cfg.KeyFile, log: logger}
	if err := r.load(); err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: r.getCertificate,
		MinVersion:     tls.VersionTLS12,
	}, nil
}

// reloader serves the current key pair and swaps it when the certificate
// file's modification time moves.
type reloader struct {
	certFile string
	keyFile  string
	log      *zap.Logger

	mu      sync.RWMutex
	cert    *tls.Certificate
	modTime time.Time
}

func (r *reloader) load() error {
	info, err := os.Stat(r.certFile)
	if err != nil {
		return fmt.Errorf("certificate file not found: %w", err)
	}
	if _, err := os.Stat(r.keyFile); err != nil {
		return fmt.Errorf("key file not found: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS key pair: %w", err)
	}

	r.mu.Lock()
	r.cert = &cert
	r.modTime = info.ModTime()
	r.mu.Unlock()
	return nil
}

func (r *reloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if info, err := os.Stat(r.certFile); err == nil {
		r.mu.RLock()
		changed := info.ModTime().After(r.modTime)
		r.mu.RUnlock()
		if changed {
			if err := r.load(); err != nil {
				// Keep serving the previous pair; a half-written rotation
				// is retried on the next handshake.
				r.log.Warn("failed to reload TLS certificate", zap.Error(err))
			} else {
				r.log.Info("reloaded TLS certificate", zap.String("cert_file", r.certFile))
			}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}
