package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Algorithm is a DKIM key algorithm
type Algorithm string

const (
	AlgorithmRSA     Algorithm = "rsa"
	AlgorithmEd25519 Algorithm = "ed25519"
)

// KeyPair is a DKIM signing key with its DNS identity
type KeyPair struct {
	Key       crypto.Signer
	Algorithm Algorithm
	Domain    string
	Selector  string
}

// GenerateKey creates a new key. RSA keys are 2048 bits.
func GenerateKey(alg Algorithm, domain, selector string) (*KeyPair, error) {
	var key crypto.Signer
	switch alg {
	case AlgorithmRSA, "":
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		key, alg = k, AlgorithmRSA
	case AlgorithmEd25519:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		key = k
	default:
		return nil, fmt.Errorf("unsupported key algorithm: %s", alg)
	}

	return &KeyPair{Key: key, Algorithm: alg, Domain: domain, Selector: selector}, nil
}

// Save writes the private key as PKCS#8 PEM with owner-only permissions
func (kp *KeyPair) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(kp.Key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// DNSName returns the TXT record name
func (kp *KeyPair) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", kp.Selector, kp.Domain)
}

// DNSRecord returns the TXT record value publishing the public key
func (kp *KeyPair) DNSRecord() (string, error) {
	var pub []byte
	switch k := kp.Key.Public().(type) {
	case ed25519.PublicKey:
		pub = k
	default:
		der, err := x509.MarshalPKIXPublicKey(k)
		if err != nil {
			return "", fmt.Errorf("failed to marshal public key: %w", err)
		}
		pub = der
	}
	return fmt.Sprintf("v=DKIM1; k=%s; p=%s", kp.Algorithm, base64.StdEncoding.EncodeToString(pub)), nil
}

// LoadPrivateKey reads an RSA (PKCS#1 or PKCS#8) or ed25519 (PKCS#8) key
func LoadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		}
		return nil, fmt.Errorf("unsupported private key type %T", key)
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
