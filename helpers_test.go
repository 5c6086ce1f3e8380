package corelink

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate private key")
	return key
}

func certTemplate(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err, "failed to generate serialNumber")

	return &x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		DNSNames:              []string{"localhost"},
		BasicConstraintsValid: true,
	}
}

// generateMTLS returns one mTLS config per name, all signed by the same
// self-signed CA. The Common Name of each leaf is the node name.
func generateMTLS(t *testing.T, names ...string) map[string]*tls.Config {
	t.Helper()

	caKey := generateKeyPair(t)
	caTmpl := certTemplate(t, "self-signed")
	caTmpl.KeyUsage = x509.KeyUsageCertSign
	caTmpl.IsCA = true

	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err, "failed to generate CA")
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err, "failed to parse CA")

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make(map[string]*tls.Config, len(names))
	for _, name := range names {
		leafKey := generateKeyPair(t)
		leafTmpl := certTemplate(t, name)
		leafTmpl.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
		leafTmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}

		leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, ca, &leafKey.PublicKey, caKey)
		require.NoError(t, err, "failed to generate leaf %s", name)
		leaf, err := x509.ParseCertificate(leafDER)
		require.NoError(t, err, "failed to parse leaf %s", name)

		configs[name] = &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{leafDER},
					Leaf:        leaf,
					PrivateKey:  leafKey,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		}
	}
	return configs
}
