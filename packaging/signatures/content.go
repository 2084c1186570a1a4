package signatures

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"
)

const signatureContentVersion = "1"

// SignatureContent is the attached content of a primary signature: the hash
// of the package archive without its signature entry.
//
// Encoded form:
//
//	Version:1\r\n
//	\r\n
//	2.16.840.1.101.3.4.2.1-Hash:<base64>\r\n
//	\r\n
type SignatureContent struct {
	HashAlgorithm HashAlgorithmName
	HashValue     []byte
}

// Bytes encodes the content.
func (c *SignatureContent) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString("Version:" + signatureContentVersion + "\r\n\r\n")
	b.WriteString(c.HashAlgorithm.OID().String() + "-Hash:" + base64.StdEncoding.EncodeToString(c.HashValue) + "\r\n\r\n")
	return b.Bytes()
}

// ParseSignatureContent decodes attached signature content.
func ParseSignatureContent(data []byte) (*SignatureContent, error) {
	sections := strings.Split(string(data), "\r\n\r\n")
	if len(sections) < 2 {
		return nil, formatError(nil, "signature content is malformed")
	}

	header, ok := parseProperties(sections[0])
	if !ok || header["Version"] != signatureContentVersion {
		return nil, formatError(nil, "signature content version is missing or unsupported")
	}

	body, ok := parseProperties(sections[1])
	if !ok {
		return nil, formatError(nil, "signature content hash section is malformed")
	}

	var content *SignatureContent
	for key, value := range body {
		oid, found := strings.CutSuffix(key, "-Hash")
		if !found {
			continue
		}
		alg := hashAlgorithmFromOIDString(oid)
		if alg == "" {
			return nil, &SignatureError{Code: NU3024, Message: fmt.Sprintf("unsupported content hash algorithm %s", oid)}
		}
		hash, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, formatError(err, "signature content hash is not valid base64")
		}
		if content != nil {
			return nil, formatError(nil, "signature content has multiple hashes")
		}
		content = &SignatureContent{HashAlgorithm: alg, HashValue: hash}
	}
	if content == nil {
		return nil, formatError(nil, "signature content hash is missing")
	}
	return content, nil
}

func parseProperties(section string) (map[string]string, bool) {
	props := make(map[string]string)
	for _, line := range strings.Split(section, "\r\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" {
			return nil, false
		}
		if _, dup := props[key]; dup {
			return nil, false
		}
		props[key] = value
	}
	return props, len(props) > 0
}

func hashAlgorithmFromOIDString(s string) HashAlgorithmName {
	for _, alg := range []HashAlgorithmName{HashAlgorithmSHA256, HashAlgorithmSHA384, HashAlgorithmSHA512} {
		if alg.OID().String() == s {
			return alg
		}
	}
	return ""
}
