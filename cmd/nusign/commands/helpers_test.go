package commands

import (
	"archive/zip"
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"

	"github.com/willibrandon/nusign/cmd/nusign/cli"
	"github.com/willibrandon/nusign/cmd/nusign/output"
	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signatures/signaturestest"
)

// testEnv points the default config at a temp directory and resets the
// global CLI options for the test.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))

	saved := cli.Options
	cli.Options = cli.GlobalOptions{Verbosity: "normal", Trace: "none"}
	t.Cleanup(func() { cli.Options = saved })
	return dir
}

// newTestConsole returns a colorless console writing both streams to buf.
func newTestConsole(buf *bytes.Buffer) *output.Console {
	console := output.NewConsole(buf, buf, output.VerbosityNormal)
	console.SetColors(false)
	return console
}

// writePackage writes an unsigned package to dir and returns its path.
// Entries are stored so tests can find their bytes in the archive.
func writePackage(t *testing.T, dir, name string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range []struct{ name, content string }{
		{"Contoso.Utils.nuspec", `<package><metadata><id>Contoso.Utils</id></metadata></package>`},
		{"lib/net8.0/Contoso.Utils.dll", "binary payload"},
		{"[Content_Types].xml", "<Types/>"},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func pemCertificates(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

func pemPKCS8(t *testing.T, id *signaturestest.Identity) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func pemEncryptedPKCS8(t *testing.T, id *signaturestest.Identity, password string) []byte {
	t.Helper()
	der, err := pkcs8.MarshalPrivateKey(id.Key, []byte(password), nil)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// testPKI is a root with author and repository signers, a timestamp
// server, and their PEM files on disk.
type testPKI struct {
	root       *signaturestest.Identity
	author     *signaturestest.Identity
	repository *signaturestest.Identity
	tsaURL     string

	rootPath       string
	authorPath     string
	repositoryPath string
}

func newTestPKI(t *testing.T, dir string) *testPKI {
	t.Helper()
	root := signaturestest.NewRootCA(t, "Test Root")
	_, server := signaturestest.NewTimestampServer(t, root)
	p := &testPKI{
		root:       root,
		author:     root.NewCodeSigningLeaf(t, "Contoso Author"),
		repository: root.NewCodeSigningLeaf(t, "Contoso Repository"),
		tsaURL:     server.URL,
	}
	p.rootPath = writeFile(t, dir, "root.pem", pemCertificates(root.Certificate))
	p.authorPath = writeFile(t, dir, "author.pem", append(pemCertificates(p.author.Certificates()...), pemPKCS8(t, p.author)...))
	p.repositoryPath = writeFile(t, dir, "repository.pem", append(pemCertificates(p.repository.Certificates()...), pemPKCS8(t, p.repository)...))
	return p
}

func (p *testPKI) signOptions(certPath string) *signOptions {
	return &signOptions{
		keyMaterial:            keyMaterial{certificatePath: certPath, nonInteractive: true},
		timestamper:            p.tsaURL,
		hashAlgorithm:          "SHA256",
		timestampHashAlgorithm: "SHA256",
		signatureType:          "author",
		httpClient:             signatures.StdHTTPDoer{},
	}
}

func (p *testPKI) repositorySignOptions() *signOptions {
	opts := p.signOptions(p.repositoryPath)
	opts.signatureType = "repository"
	opts.serviceIndex = "https://api.example.test/v3/index.json"
	opts.owners = []string{"contoso"}
	return opts
}

func (p *testPKI) verifyOptions() *verifyOptions {
	return &verifyOptions{
		format:         "text",
		target:         "all",
		revocationMode: "nocheck",
		trustRoots:     []string{p.rootPath},
		noSystemRoots:  true,
		noCache:        true,
		httpClient:     signatures.StdHTTPDoer{},
	}
}
