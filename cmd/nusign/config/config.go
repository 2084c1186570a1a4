// Package config reads and writes nusign.config, the XML file holding
// verification defaults and trusted signers.
package config

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Keys of the <config> section.
const (
	KeySignatureValidationMode = "signatureValidationMode"
	KeyRevocationMode          = "revocationMode"
	KeyTimestampServer         = "timestampServer"
)

// FileName is the config file name looked up in the config directory.
const FileName = "nusign.config"

// Config represents a nusign.config file.
type Config struct {
	XMLName        xml.Name        `xml:"configuration"`
	Config         *Section        `xml:"config,omitempty"`
	TrustedSigners *TrustedSigners `xml:"trustedSigners,omitempty"`
}

// Section contains configuration settings.
type Section struct {
	Add []Item `xml:"add"`
}

// Item represents a configuration key-value pair.
type Item struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// TrustedSigners lists authors and repositories whose certificates are
// accepted by the allow-list.
type TrustedSigners struct {
	Authors      []TrustedAuthor     `xml:"author"`
	Repositories []TrustedRepository `xml:"repository"`
}

// TrustedAuthor trusts author signatures made with any listed certificate.
type TrustedAuthor struct {
	Name         string        `xml:"name,attr"`
	Certificates []Certificate `xml:"certificate"`
}

// TrustedRepository trusts repository signatures and countersignatures.
type TrustedRepository struct {
	Name         string        `xml:"name,attr"`
	ServiceIndex string        `xml:"serviceIndex,attr"`
	Certificates []Certificate `xml:"certificate"`
	Owners       string        `xml:"owners,omitempty"`
}

// OwnerList splits the semicolon separated owners element.
func (r TrustedRepository) OwnerList() []string {
	var owners []string
	for _, o := range strings.Split(r.Owners, ";") {
		if o = strings.TrimSpace(o); o != "" {
			owners = append(owners, o)
		}
	}
	return owners
}

// Certificate identifies a signer certificate by fingerprint.
type Certificate struct {
	Fingerprint        string `xml:"fingerprint,attr"`
	HashAlgorithm      string `xml:"hashAlgorithm,attr"`
	AllowUntrustedRoot bool   `xml:"allowUntrustedRoot,attr"`
}

// Load reads the config at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f)
}

// LoadOrEmpty reads the config at path, or returns an empty config when the
// file does not exist.
func LoadOrEmpty(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return &Config{}, nil
	}
	return nil, err
}

// Parse parses config XML from r.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	if err := xml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config XML: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if err := Write(f, cfg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Write encodes cfg as indented XML with a declaration.
func Write(w io.Writer, cfg *Config) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encode config XML: %w", err)
	}
	if err := encoder.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// DefaultPath returns $XDG_CONFIG_HOME/nusign/nusign.config, falling back
// to ~/.nusign/nusign.config.
func DefaultPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "nusign", FileName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(home, ".nusign", FileName)
}

// GetValue returns a <config> value, or "" when unset.
func (c *Config) GetValue(key string) string {
	if c.Config == nil {
		return ""
	}
	for _, item := range c.Config.Add {
		if strings.EqualFold(item.Key, key) {
			return item.Value
		}
	}
	return ""
}

// SetValue sets a <config> value.
func (c *Config) SetValue(key, value string) {
	if c.Config == nil {
		c.Config = &Section{}
	}
	for i := range c.Config.Add {
		if strings.EqualFold(c.Config.Add[i].Key, key) {
			c.Config.Add[i].Value = value
			return
		}
	}
	c.Config.Add = append(c.Config.Add, Item{Key: key, Value: value})
}

func (c *Config) signers() *TrustedSigners {
	if c.TrustedSigners == nil {
		c.TrustedSigners = &TrustedSigners{}
	}
	return c.TrustedSigners
}

// HasSigner reports whether an author or repository is named name.
func (c *Config) HasSigner(name string) bool {
	if c.TrustedSigners == nil {
		return false
	}
	for _, a := range c.TrustedSigners.Authors {
		if strings.EqualFold(a.Name, name) {
			return true
		}
	}
	for _, r := range c.TrustedSigners.Repositories {
		if strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}

// AddAuthorCertificate adds cert to the author named name, creating it.
// A certificate already listed is updated in place.
func (c *Config) AddAuthorCertificate(name string, cert Certificate) {
	s := c.signers()
	for i := range s.Authors {
		if strings.EqualFold(s.Authors[i].Name, name) {
			s.Authors[i].Certificates = upsertCertificate(s.Authors[i].Certificates, cert)
			return
		}
	}
	s.Authors = append(s.Authors, TrustedAuthor{Name: name, Certificates: []Certificate{cert}})
}

// AddRepository adds or replaces the repository named repo.Name.
func (c *Config) AddRepository(repo TrustedRepository) {
	s := c.signers()
	for i := range s.Repositories {
		if strings.EqualFold(s.Repositories[i].Name, repo.Name) {
			s.Repositories[i] = repo
			return
		}
	}
	s.Repositories = append(s.Repositories, repo)
}

// RemoveSigner removes the author or repository named name.
func (c *Config) RemoveSigner(name string) bool {
	if c.TrustedSigners == nil {
		return false
	}
	s := c.TrustedSigners
	for i := range s.Authors {
		if strings.EqualFold(s.Authors[i].Name, name) {
			s.Authors = append(s.Authors[:i], s.Authors[i+1:]...)
			return true
		}
	}
	for i := range s.Repositories {
		if strings.EqualFold(s.Repositories[i].Name, name) {
			s.Repositories = append(s.Repositories[:i], s.Repositories[i+1:]...)
			return true
		}
	}
	return false
}

func upsertCertificate(certs []Certificate, cert Certificate) []Certificate {
	for i := range certs {
		if strings.EqualFold(certs[i].Fingerprint, cert.Fingerprint) {
			certs[i] = cert
			return certs
		}
	}
	return append(certs, cert)
}
