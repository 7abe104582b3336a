// Package testcert generates throwaway certificate hierarchies for tests:
// a self-signed root and one signing certificate issued by it.
package testcert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Authority is a freshly generated root plus one leaf signing certificate.
type Authority struct {
	RootCert *x509.Certificate
	RootPEM  []byte
	RootKey  *rsa.PrivateKey

	Cert    *x509.Certificate
	CertPEM []byte
	Key     *rsa.PrivateKey
	KeyPEM  []byte
}

// New builds a root CA and a signing certificate issued by it. Keys are
// 2048 bit to keep test runs fast.
func New(tb testing.TB) *Authority {
	tb.Helper()

	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generate root key: %v", err)
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generate signing key: %v", err)
	}

	now := time.Now()
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(now.UnixNano()),
		Subject:               pkix.Name{Organization: []string{"Test"}, CommonName: "Test Root CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		tb.Fatalf("create root certificate: %v", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		tb.Fatalf("parse root certificate: %v", err)
	}

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano() + 1),
		Subject:      pkix.Name{Organization: []string{"Test"}, CommonName: "Test Signing Cert"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		tb.Fatalf("create signing certificate: %v", err)
	}
	leafCert, err := x509.ParseCertificate(leafDER)
	if err != nil {
		tb.Fatalf("parse signing certificate: %v", err)
	}

	return &Authority{
		RootCert: rootCert,
		RootPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER}),
		RootKey:  rootKey,
		Cert:     leafCert,
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}),
		Key:      leafKey,
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)}),
	}
}

// WriteFiles puts the root certificate, signing certificate and signing key
// into dir and returns their paths.
func (a *Authority) WriteFiles(tb testing.TB, dir string) (rootPath, certPath, keyPath string) {
	tb.Helper()

	rootPath = filepath.Join(dir, "root.crt")
	certPath = filepath.Join(dir, "signing.crt")
	keyPath = filepath.Join(dir, "signing.key")
	for path, data := range map[string][]byte{
		rootPath: a.RootPEM,
		certPath: a.CertPEM,
		keyPath:  a.KeyPEM,
	} {
		if err := os.WriteFile(path, data, 0600); err != nil {
			tb.Fatalf("write %s: %v", path, err)
		}
	}
	return rootPath, certPath, keyPath
}
