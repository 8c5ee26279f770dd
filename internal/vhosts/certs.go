package vhosts

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

const (
	caValidity   = 7300 * 24 * time.Hour
	leafValidity = 3650 * 24 * time.Hour
)

func subject(cn string) pkix.Name {
	return pkix.Name{
		Country:            []string{"US"},
		Province:           []string{"PA"},
		Locality:           []string{"Pgh"},
		Organization:       []string{"CMU"},
		OrganizationalUnit: []string{"CERT"},
		CommonName:         cn,
	}
}

// authority is the loaded CA plus the key shared by every virtual host
type authority struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	hostKey *rsa.PrivateKey
}

func serialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// createCA writes a self-signed CA certificate and key
func createCA(certPath, keyPath string, bits int, now time.Time) error {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject("fauxnet_ca"),
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-sign CA: %w", err)
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	return writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600)
}

// createKey writes a fresh RSA key
func createKey(keyPath string, bits int) error {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generate host key: %w", err)
	}
	return writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600)
}

func loadAuthority(caCert, caKey, hostKey string) (*authority, error) {
	certDER, err := readPEM(caCert, "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", caCert, err)
	}
	key, err := readRSAKey(caKey)
	if err != nil {
		return nil, err
	}
	hk, err := readRSAKey(hostKey)
	if err != nil {
		return nil, err
	}
	return &authority{cert: cert, key: key, hostKey: hk}, nil
}

// issue writes a certificate for host signed by the CA, using the shared host key
func (a *authority) issue(host, certPath string, now time.Time) error {
	serial, err := serialNumber()
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject("fauxnet_vh"),
		DNSNames:     []string{host},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &a.hostKey.PublicKey, a.key)
	if err != nil {
		return fmt.Errorf("sign certificate for %s: %w", host, err)
	}
	return writePEM(certPath, "CERTIFICATE", der, 0644)
}

func readRSAKey(path string) (*rsa.PrivateKey, error) {
	der, err := readPEM(path, "RSA PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return key, nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, errors.New(path + ": no " + blockType + " block")
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
