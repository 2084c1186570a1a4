package commands

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/youmark/pkcs8"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keychainService = "nusign"
	keychainPrefix  = "keychain:"
	envPrefix       = "env:"
)

// ErrPasswordRequired is returned when an encrypted key has no password.
var ErrPasswordRequired = errors.New("the private key is encrypted; supply --certificate-password")

// storePassword saves a key password in the OS keychain (macOS Keychain,
// Windows Credential Manager, Linux Secret Service) and returns the
// reference to use in place of the password.
func storePassword(name, password string) (string, error) {
	if err := keyring.Set(keychainService, name, password); err != nil {
		return "", fmt.Errorf("failed to store password in keychain: %w", err)
	}
	return keychainPrefix + name, nil
}

// deletePassword removes a stored key password. A missing entry is not an error.
func deletePassword(name string) error {
	err := keyring.Delete(keychainService, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete password from keychain: %w", err)
	}
	return nil
}

// resolvePassword expands a --certificate-password value. "keychain:<name>"
// reads the OS keychain, "env:<VAR>" reads the environment, and anything
// else is the password itself.
func resolvePassword(value string) (string, error) {
	if name, ok := strings.CutPrefix(value, keychainPrefix); ok {
		password, err := keyring.Get(keychainService, name)
		if err != nil {
			return "", fmt.Errorf("failed to retrieve password %q from keychain: %w", name, err)
		}
		return password, nil
	}
	if name, ok := strings.CutPrefix(value, envPrefix); ok {
		password, found := os.LookupEnv(name)
		if !found {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
		return password, nil
	}
	return value, nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrPasswordRequired
	}
	_, _ = fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// parseCertificates reads every certificate in PEM data, or a single DER
// certificate.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.New("no certificate found (expected PEM or DER)")
	}
	return []*x509.Certificate{cert}, nil
}

// isEncryptedKey reports whether PEM data holds a password-protected key.
func isEncryptedKey(data []byte) bool {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return false
		}
		if block.Type == "ENCRYPTED PRIVATE KEY" {
			return true
		}
	}
}

// parsePrivateKey reads the first private key in PEM data. Encrypted keys
// must be PKCS#8; legacy OpenSSL "Proc-Type: 4,ENCRYPTED" keys are rejected.
func parsePrivateKey(data []byte, password []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no private key found")
		}
		if _, legacy := block.Headers["DEK-Info"]; legacy {
			return nil, errors.New("legacy encrypted PEM keys are not supported; convert the key to encrypted PKCS#8")
		}

		var (
			key any
			err error
		)
		switch block.Type {
		case "ENCRYPTED PRIVATE KEY":
			if len(password) == 0 {
				return nil, ErrPasswordRequired
			}
			key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", strings.ToLower(block.Type), err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	}
}

// signingIdentity picks the certificate matching key and returns the rest
// as its chain.
func signingIdentity(certs []*x509.Certificate, key crypto.Signer) (*x509.Certificate, []*x509.Certificate, error) {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return nil, nil, fmt.Errorf("unsupported public key type %T", key.Public())
	}
	for i, cert := range certs {
		if !pub.Equal(cert.PublicKey) {
			continue
		}
		chain := make([]*x509.Certificate, 0, len(certs)-1)
		chain = append(chain, certs[:i]...)
		chain = append(chain, certs[i+1:]...)
		return cert, chain, nil
	}
	return nil, nil, errors.New("no certificate matches the private key")
}

// keyMaterial is a certificate file, an optional separate key file, and
// the password option as typed by the user.
type keyMaterial struct {
	certificatePath string
	keyPath         string
	password        string
	nonInteractive  bool
}

// load reads the signing certificate, its chain and the private key.
func (m keyMaterial) load() (*x509.Certificate, []*x509.Certificate, crypto.Signer, error) {
	if m.certificatePath == "" {
		return nil, nil, nil, errors.New("--certificate-path is required")
	}
	certData, err := os.ReadFile(m.certificatePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read certificate: %w", err)
	}
	certs, err := parseCertificates(certData)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", m.certificatePath, err)
	}

	keyData := certData
	keySource := m.certificatePath
	if m.keyPath != "" {
		if keyData, err = os.ReadFile(m.keyPath); err != nil {
			return nil, nil, nil, fmt.Errorf("read private key: %w", err)
		}
		keySource = m.keyPath
	}

	password, err := resolvePassword(m.password)
	if err != nil {
		return nil, nil, nil, err
	}
	if password == "" && isEncryptedKey(keyData) {
		if m.nonInteractive {
			return nil, nil, nil, ErrPasswordRequired
		}
		if password, err = promptPassword("Password for " + keySource + ": "); err != nil {
			return nil, nil, nil, err
		}
	}

	key, err := parsePrivateKey(keyData, []byte(password))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", keySource, err)
	}
	leaf, chain, err := signingIdentity(certs, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", m.certificatePath, err)
	}
	return leaf, chain, key, nil
}
