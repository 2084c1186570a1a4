package packaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// ZIP record signatures and sizes
const (
	localFileHeaderSignature            = 0x04034b50
	centralDirectoryHeaderSignature     = 0x02014b50
	endOfCentralDirectorySignature      = 0x06054b50
	zip64EndOfCentralDirectorySignature = 0x06064b50
	zip64LocatorSignature               = 0x07064b50

	localFileHeaderSize        = 30
	centralDirectoryHeaderSize = 46
	endOfCentralDirectorySize  = 22
	zip64LocatorSize           = 20
	maxCommentLength           = 0xFFFF

	zip64ExtraFieldID = 0x0001
	utf8NameFlag      = 1 << 11

	// Offset of the relative local header offset within a central directory record
	localHeaderOffsetField = 42
)

// endOfCentralDirectory mirrors the fixed EOCD fields after the signature.
type endOfCentralDirectory struct {
	DiskNumber             uint16
	CentralDirectoryDisk   uint16
	NumEntriesOnDisk       uint16
	NumEntries             uint16
	CentralDirectorySize   uint32
	CentralDirectoryOffset uint32
	CommentLength          uint16
}

// centralDirectoryHeader mirrors the fixed central directory record fields
// after the signature.
type centralDirectoryHeader struct {
	VersionMadeBy               uint16
	VersionNeededToExtract      uint16
	GeneralPurposeBitFlag       uint16
	CompressionMethod           uint16
	LastModFileTime             uint16
	LastModFileDate             uint16
	CRC32                       uint32
	CompressedSize              uint32
	UncompressedSize            uint32
	FileNameLength              uint16
	ExtraFieldLength            uint16
	FileCommentLength           uint16
	DiskNumberStart             uint16
	InternalFileAttributes      uint16
	ExternalFileAttributes      uint32
	RelativeOffsetOfLocalHeader uint32
}

// localFileHeader mirrors the fixed local file header fields after the signature.
type localFileHeader struct {
	VersionNeededToExtract uint16
	GeneralPurposeBitFlag  uint16
	CompressionMethod      uint16
	LastModFileTime        uint16
	LastModFileDate        uint16
	CRC32                  uint32
	CompressedSize         uint32
	UncompressedSize       uint32
	FileNameLength         uint16
	ExtraFieldLength       uint16
}

// archiveEntry is one central directory record and the file entry it points to.
type archiveEntry struct {
	header centralDirectoryHeader
	name   string

	// record holds the raw central directory record.
	record []byte

	// localOffset is where the local file header starts; entrySize runs from
	// there to the next entry or the central directory, data descriptor included.
	localOffset int64
	entrySize   int64
}

func (e *archiveEntry) isSignature() bool {
	return e.name == SignaturePath && e.header.GeneralPurposeBitFlag&utf8NameFlag == 0
}

// archive is the layout of a ZIP file as far as signing needs it.
type archive struct {
	r    io.ReaderAt
	size int64

	eocd       endOfCentralDirectory
	eocdOffset int64
	eocdRaw    []byte

	// entries in central directory order
	entries        []*archiveEntry
	signatureIndex int
	startOfEntries int64
}

// readArchive parses the central directory of r. ZIP64 archives are
// rejected, as are archives whose records do not line up.
func readArchive(r io.ReaderAt, size int64) (*archive, error) {
	a := &archive{r: r, size: size, signatureIndex: -1}
	if err := a.readEndOfCentralDirectory(); err != nil {
		return nil, err
	}
	if err := a.checkZip64(); err != nil {
		return nil, err
	}
	if err := a.readCentralDirectory(); err != nil {
		return nil, err
	}
	if err := a.measureEntries(); err != nil {
		return nil, err
	}
	return a, nil
}

func invalidArchive(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPackage, fmt.Sprintf(format, args...))
}

func (a *archive) readEndOfCentralDirectory() error {
	if a.size < endOfCentralDirectorySize {
		return invalidArchive("file is too small to be a ZIP archive")
	}

	// The record is followed by at most a 64 KiB comment
	searchSize := min(a.size, int64(endOfCentralDirectorySize+maxCommentLength))
	buf := make([]byte, searchSize)
	if _, err := a.r.ReadAt(buf, a.size-searchSize); err != nil && err != io.EOF {
		return fmt.Errorf("read end of central directory: %w", err)
	}

	for i := len(buf) - endOfCentralDirectorySize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) != endOfCentralDirectorySignature {
			continue
		}
		var eocd endOfCentralDirectory
		if err := binary.Read(bytes.NewReader(buf[i+4:]), binary.LittleEndian, &eocd); err != nil {
			return invalidArchive("end of central directory is truncated")
		}
		if i+endOfCentralDirectorySize+int(eocd.CommentLength) > len(buf) {
			continue
		}
		a.eocd = eocd
		a.eocdOffset = a.size - searchSize + int64(i)
		a.eocdRaw = bytes.Clone(buf[i:])
		return nil
	}
	return invalidArchive("end of central directory not found")
}

func (a *archive) checkZip64() error {
	e := a.eocd
	if e.NumEntries == 0xFFFF || e.NumEntriesOnDisk == 0xFFFF ||
		e.CentralDirectorySize == 0xFFFFFFFF || e.CentralDirectoryOffset == 0xFFFFFFFF {
		return ErrZip64NotSupported
	}
	if a.eocdOffset >= zip64LocatorSize {
		var sig [4]byte
		if _, err := a.r.ReadAt(sig[:], a.eocdOffset-zip64LocatorSize); err == nil &&
			binary.LittleEndian.Uint32(sig[:]) == zip64LocatorSignature {
			return ErrZip64NotSupported
		}
	}
	if end := a.centralDirectoryEnd(); end+4 <= a.eocdOffset {
		var sig [4]byte
		if _, err := a.r.ReadAt(sig[:], end); err == nil &&
			binary.LittleEndian.Uint32(sig[:]) == zip64EndOfCentralDirectorySignature {
			return ErrZip64NotSupported
		}
	}
	return nil
}

func (a *archive) readCentralDirectory() error {
	offset := int64(a.eocd.CentralDirectoryOffset)
	size := int64(a.eocd.CentralDirectorySize)
	if offset+size > a.eocdOffset {
		return invalidArchive("central directory overlaps the end record")
	}

	cd := make([]byte, size)
	if _, err := a.r.ReadAt(cd, offset); err != nil {
		return fmt.Errorf("read central directory: %w", err)
	}

	for pos := 0; pos < len(cd); {
		if len(cd)-pos < centralDirectoryHeaderSize || binary.LittleEndian.Uint32(cd[pos:]) != centralDirectoryHeaderSignature {
			return invalidArchive("invalid central directory header at offset %d", offset+int64(pos))
		}
		var h centralDirectoryHeader
		if err := binary.Read(bytes.NewReader(cd[pos+4:pos+centralDirectoryHeaderSize]), binary.LittleEndian, &h); err != nil {
			return invalidArchive("central directory header is truncated")
		}
		recordSize := centralDirectoryHeaderSize + int(h.FileNameLength) + int(h.ExtraFieldLength) + int(h.FileCommentLength)
		if pos+recordSize > len(cd) {
			return invalidArchive("central directory record exceeds the directory")
		}

		nameEnd := pos + centralDirectoryHeaderSize + int(h.FileNameLength)
		extra := cd[nameEnd : nameEnd+int(h.ExtraFieldLength)]
		if hasZip64ExtraField(extra) {
			return ErrZip64NotSupported
		}

		entry := &archiveEntry{
			header:      h,
			name:        string(cd[pos+centralDirectoryHeaderSize : nameEnd]),
			record:      cd[pos : pos+recordSize],
			localOffset: int64(h.RelativeOffsetOfLocalHeader),
		}
		if entry.isSignature() {
			if a.signatureIndex >= 0 {
				return signatureEntryError("the package contains more than one signature entry")
			}
			a.signatureIndex = len(a.entries)
		}
		a.entries = append(a.entries, entry)
		pos += recordSize
	}

	if len(a.entries) != int(a.eocd.NumEntries) {
		return invalidArchive("central directory has %d records, end record says %d", len(a.entries), a.eocd.NumEntries)
	}
	return nil
}

func hasZip64ExtraField(extra []byte) bool {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if id == zip64ExtraFieldID {
			return true
		}
		if 4+size > len(extra) {
			return false
		}
		extra = extra[4+size:]
	}
	return false
}

// measureEntries sizes each file entry as the distance to the next one.
func (a *archive) measureEntries() error {
	cdOffset := int64(a.eocd.CentralDirectoryOffset)
	byOffset := a.entriesByOffset()
	a.startOfEntries = cdOffset

	for i, e := range byOffset {
		end := cdOffset
		if i+1 < len(byOffset) {
			end = byOffset[i+1].localOffset
		}
		if e.localOffset+localFileHeaderSize > end {
			return invalidArchive("file entry %q overlaps the next record", e.name)
		}
		var sig [4]byte
		if _, err := a.r.ReadAt(sig[:], e.localOffset); err != nil {
			return fmt.Errorf("read local file header: %w", err)
		}
		if binary.LittleEndian.Uint32(sig[:]) != localFileHeaderSignature {
			return invalidArchive("invalid local file header for %q", e.name)
		}
		e.entrySize = end - e.localOffset
		a.startOfEntries = min(a.startOfEntries, e.localOffset)
	}
	return nil
}

func (a *archive) entriesByOffset() []*archiveEntry {
	sorted := slices.Clone(a.entries)
	slices.SortStableFunc(sorted, func(x, y *archiveEntry) int {
		switch {
		case x.localOffset < y.localOffset:
			return -1
		case x.localOffset > y.localOffset:
			return 1
		}
		return 0
	})
	return sorted
}

func (a *archive) signature() *archiveEntry {
	if a.signatureIndex < 0 {
		return nil
	}
	return a.entries[a.signatureIndex]
}

func (a *archive) centralDirectoryEnd() int64 {
	return int64(a.eocd.CentralDirectoryOffset) + int64(a.eocd.CentralDirectorySize)
}

// copyRange copies [from, to) of the archive to w.
func (a *archive) copyRange(w io.Writer, from, to int64) error {
	if to <= from {
		return nil
	}
	_, err := io.Copy(w, io.NewSectionReader(a.r, from, to-from))
	return err
}

// writeWithoutSignature writes the archive as it was before the signature
// entry was added. Later entries move down and every offset is patched.
func (a *archive) writeWithoutSignature(w io.Writer) error {
	sig := a.signature()
	if sig == nil {
		return a.copyRange(w, 0, a.size)
	}

	if err := a.copyRange(w, 0, a.startOfEntries); err != nil {
		return err
	}

	newOffsets := make(map[*archiveEntry]int64, len(a.entries))
	offset := a.startOfEntries
	for _, e := range a.entriesByOffset() {
		if e == sig {
			continue
		}
		newOffsets[e] = offset
		if err := a.copyRange(w, e.localOffset, e.localOffset+e.entrySize); err != nil {
			return err
		}
		offset += e.entrySize
	}
	newCentralDirectoryOffset := offset

	for _, e := range a.entries {
		if e == sig {
			continue
		}
		record := bytes.Clone(e.record)
		binary.LittleEndian.PutUint32(record[localHeaderOffsetField:], uint32(newOffsets[e]))
		if _, err := w.Write(record); err != nil {
			return err
		}
	}

	if err := a.copyRange(w, a.centralDirectoryEnd(), a.eocdOffset); err != nil {
		return err
	}

	eocd := bytes.Clone(a.eocdRaw)
	binary.LittleEndian.PutUint16(eocd[8:], a.eocd.NumEntriesOnDisk-1)
	binary.LittleEndian.PutUint16(eocd[10:], a.eocd.NumEntries-1)
	binary.LittleEndian.PutUint32(eocd[12:], a.eocd.CentralDirectorySize-uint32(len(sig.record)))
	binary.LittleEndian.PutUint32(eocd[16:], uint32(newCentralDirectoryOffset))
	_, err := w.Write(eocd)
	return err
}
