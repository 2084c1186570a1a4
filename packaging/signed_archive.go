package packaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/willibrandon/nusign/packaging/signatures"
)

// Values written into the signature entry headers.
const (
	signatureEntryVersion = 20
	maxEntries            = 0xFFFE
)

var timeNow = time.Now

// ReadSignatureEntry returns the raw bytes of the package signature entry.
// The entry must be stored uncompressed with no flags or attributes set.
func ReadSignatureEntry(ctx context.Context, in io.ReaderAt, size int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := readArchive(in, size)
	if err != nil {
		return nil, err
	}
	sig := a.signature()
	if sig == nil {
		return nil, ErrPackageNotSigned
	}
	return a.readSignatureData(sig)
}

func (a *archive) readSignatureData(e *archiveEntry) ([]byte, error) {
	h := e.header
	if h.GeneralPurposeBitFlag != 0 || h.CompressionMethod != 0 ||
		h.CompressedSize != h.UncompressedSize || h.ExternalFileAttributes != 0 {
		return nil, signatureEntryError("the package signature entry central directory header is invalid")
	}

	buf := make([]byte, localFileHeaderSize)
	if _, err := a.r.ReadAt(buf, e.localOffset); err != nil {
		return nil, fmt.Errorf("read signature local file header: %w", err)
	}
	var lh localFileHeader
	if err := binary.Read(bytes.NewReader(buf[4:]), binary.LittleEndian, &lh); err != nil {
		return nil, fmt.Errorf("parse signature local file header: %w", err)
	}
	if lh.GeneralPurposeBitFlag != 0 || lh.CompressionMethod != 0 ||
		lh.CompressedSize != lh.UncompressedSize || lh.CompressedSize != h.CompressedSize {
		return nil, signatureEntryError("the package signature entry local file header is invalid")
	}

	dataOffset := e.localOffset + localFileHeaderSize + int64(lh.FileNameLength) + int64(lh.ExtraFieldLength)
	if dataOffset+int64(lh.CompressedSize) > e.localOffset+e.entrySize {
		return nil, signatureEntryError("the package signature entry exceeds its file entry")
	}

	data := make([]byte, lh.CompressedSize)
	if _, err := a.r.ReadAt(data, dataOffset); err != nil {
		return nil, fmt.Errorf("read signature entry: %w", err)
	}
	return data, nil
}

// RemoveSignature writes the package without its signature entry. The output
// is byte-identical to the package before it was signed.
func RemoveSignature(ctx context.Context, in io.ReaderAt, size int64, out io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, err := readArchive(in, size)
	if err != nil {
		return err
	}
	if a.signature() == nil {
		return ErrPackageNotSigned
	}

	w := bufio.NewWriter(out)
	if err := a.writeWithoutSignature(w); err != nil {
		return fmt.Errorf("remove signature: %w", err)
	}
	return w.Flush()
}

// AddSignature writes the package with signature appended as a stored
// .signature.p7s entry after the last file entry.
func AddSignature(ctx context.Context, in io.ReaderAt, size int64, signature []byte, out io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, err := readArchive(in, size)
	if err != nil {
		return err
	}
	if a.signature() != nil {
		return signatures.NewSignatureError(signatures.NU3001, "The package is already signed.")
	}
	if len(a.entries) >= maxEntries {
		return ErrZip64NotSupported
	}

	cdOffset := int64(a.eocd.CentralDirectoryOffset)
	cdEnd := a.centralDirectoryEnd()
	local, record := signatureEntryHeaders(signature, uint32(cdOffset), timeNow())

	entrySize := int64(len(local) + len(signature))
	if cdOffset+entrySize+int64(a.eocd.CentralDirectorySize)+int64(len(record)) > math.MaxUint32 {
		return ErrZip64NotSupported
	}

	w := bufio.NewWriter(out)
	steps := []func() error{
		func() error { return a.copyRange(w, 0, cdOffset) },
		func() error { return write(w, local, signature) },
		func() error { return a.copyRange(w, cdOffset, cdEnd) },
		func() error { return write(w, record) },
		func() error { return a.copyRange(w, cdEnd, a.eocdOffset) },
		func() error {
			eocd := bytes.Clone(a.eocdRaw)
			binary.LittleEndian.PutUint16(eocd[8:], a.eocd.NumEntriesOnDisk+1)
			binary.LittleEndian.PutUint16(eocd[10:], a.eocd.NumEntries+1)
			binary.LittleEndian.PutUint32(eocd[12:], a.eocd.CentralDirectorySize+uint32(len(record)))
			binary.LittleEndian.PutUint32(eocd[16:], uint32(cdOffset+entrySize))
			return write(w, eocd)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("add signature: %w", err)
		}
	}
	return w.Flush()
}

// GetContentHash hashes the package as it was before signing. For an
// unsigned package this is the hash of the whole file.
func GetContentHash(ctx context.Context, in io.ReaderAt, size int64, hashAlgorithm signatures.HashAlgorithmName) ([]byte, error) {
	ch, err := hashAlgorithm.CryptoHash()
	if err != nil {
		return nil, err
	}
	a, err := readArchive(in, size)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := ch.New()
	if err := a.writeWithoutSignature(h); err != nil {
		return nil, fmt.Errorf("hash package content: %w", err)
	}
	return h.Sum(nil), nil
}

// signatureEntryHeaders builds the local file header and central directory
// record for a stored signature entry at localOffset.
func signatureEntryHeaders(data []byte, localOffset uint32, modified time.Time) ([]byte, []byte) {
	modTime, modDate := dosDateTime(modified)
	crc := crc32.ChecksumIEEE(data)
	name := []byte(SignaturePath)

	var local bytes.Buffer
	_ = binary.Write(&local, binary.LittleEndian, uint32(localFileHeaderSignature))
	_ = binary.Write(&local, binary.LittleEndian, localFileHeader{
		VersionNeededToExtract: signatureEntryVersion,
		LastModFileTime:        modTime,
		LastModFileDate:        modDate,
		CRC32:                  crc,
		CompressedSize:         uint32(len(data)),
		UncompressedSize:       uint32(len(data)),
		FileNameLength:         uint16(len(name)),
	})
	local.Write(name)

	var record bytes.Buffer
	_ = binary.Write(&record, binary.LittleEndian, uint32(centralDirectoryHeaderSignature))
	_ = binary.Write(&record, binary.LittleEndian, centralDirectoryHeader{
		VersionMadeBy:               signatureEntryVersion,
		VersionNeededToExtract:      signatureEntryVersion,
		LastModFileTime:             modTime,
		LastModFileDate:             modDate,
		CRC32:                       crc,
		CompressedSize:              uint32(len(data)),
		UncompressedSize:            uint32(len(data)),
		FileNameLength:              uint16(len(name)),
		RelativeOffsetOfLocalHeader: localOffset,
	})
	record.Write(name)

	return local.Bytes(), record.Bytes()
}

// dosDateTime converts t to MS-DOS time and date fields.
func dosDateTime(t time.Time) (uint16, uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, t.Location())
	}
	dosTime := uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	dosDate := uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	return dosTime, dosDate
}

func write(w io.Writer, chunks ...[]byte) error {
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}
