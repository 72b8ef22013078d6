package ziparchive

import (
	"bytes"
	"encoding/binary"
)

// Record signatures and fixed lengths.
const (
	eocdSignature          = 0x06054b50
	zip64LocatorSignature  = 0x07064b50
	zip64EOCDSignature     = 0x06064b50
	centralHeaderSignature = 0x02014b50
	localHeaderSignature   = 0x04034b50

	eocdLen          = 22
	zip64LocatorLen  = 20
	zip64EOCDLen     = 56
	centralHeaderLen = 46
	localHeaderLen   = 30

	maxCommentLen = 0xFFFF

	zip64ExtraTag = 0x0001

	sentinel16 = 0xFFFF
	sentinel32 = 0xFFFFFFFF
)

// Compression methods seen in the wild.
const (
	MethodStore   uint16 = 0
	MethodDeflate uint16 = 8
	MethodZstd    uint16 = 93
)

// Names used in FormatError.Record.
const (
	recordEOCD          = "end of central directory"
	recordZip64Locator  = "zip64 end of central directory locator"
	recordZip64EOCD     = "zip64 end of central directory"
	recordCentralHeader = "central directory header"
	recordLocalHeader   = "local file header"
)

var eocdMagic = []byte{'P', 'K', 0x05, 0x06}

type eocd struct {
	disk            uint16
	cdDisk          uint16
	entriesThisDisk uint16
	totalEntries    uint16
	cdSize          uint32
	cdOffset        uint32
	commentLen      uint16
}

// needsZip64 reports whether any field carries its overflow sentinel.
func (e eocd) needsZip64() bool {
	return e.entriesThisDisk == sentinel16 ||
		e.totalEntries == sentinel16 ||
		e.cdSize == sentinel32 ||
		e.cdOffset == sentinel32
}

type zip64Locator struct {
	disk       uint32
	eocdOffset uint64
	totalDisks uint32
}

type zip64EOCD struct {
	recordSize      uint64
	entriesThisDisk uint64
	totalEntries    uint64
	cdSize          uint64
	cdOffset        uint64
}

type centralHeader struct {
	flags             uint16
	method            uint16
	crc32             uint32
	compressedSize    uint64
	uncompressedSize  uint64
	localHeaderOffset uint64
	name              string
	// headerLen is the full record length including variable parts.
	headerLen int
}

type localHeader struct {
	nameLen  uint16
	extraLen uint16
}

func (h localHeader) dataOffset(headerOffset uint64) uint64 {
	return headerOffset + localHeaderLen + uint64(h.nameLen) + uint64(h.extraLen)
}

// findEOCD scans tail backwards for the EOCD signature and returns its
// position within tail, or -1. A candidate is only accepted when its comment
// length fits inside the remaining bytes.
func findEOCD(tail []byte) int {
	for i := len(tail) - eocdLen; i >= 0; i-- {
		if !bytes.Equal(tail[i:i+4], eocdMagic) {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(tail[i+20:]))
		if i+eocdLen+commentLen <= len(tail) {
			return i
		}
	}
	return -1
}

func parseEOCD(b []byte) (eocd, error) {
	if len(b) < eocdLen {
		return eocd{}, malformed(recordEOCD, 0, "need %d bytes, have %d", eocdLen, len(b))
	}
	if sig := binary.LittleEndian.Uint32(b); sig != eocdSignature {
		return eocd{}, malformed(recordEOCD, 0, "bad signature 0x%08x", sig)
	}
	return eocd{
		disk:            binary.LittleEndian.Uint16(b[4:]),
		cdDisk:          binary.LittleEndian.Uint16(b[6:]),
		entriesThisDisk: binary.LittleEndian.Uint16(b[8:]),
		totalEntries:    binary.LittleEndian.Uint16(b[10:]),
		cdSize:          binary.LittleEndian.Uint32(b[12:]),
		cdOffset:        binary.LittleEndian.Uint32(b[16:]),
		commentLen:      binary.LittleEndian.Uint16(b[20:]),
	}, nil
}

func parseZip64Locator(b []byte) (zip64Locator, error) {
	if len(b) < zip64LocatorLen {
		return zip64Locator{}, malformed(recordZip64Locator, 0, "need %d bytes, have %d", zip64LocatorLen, len(b))
	}
	if sig := binary.LittleEndian.Uint32(b); sig != zip64LocatorSignature {
		return zip64Locator{}, malformed(recordZip64Locator, 0, "bad signature 0x%08x", sig)
	}
	return zip64Locator{
		disk:       binary.LittleEndian.Uint32(b[4:]),
		eocdOffset: binary.LittleEndian.Uint64(b[8:]),
		totalDisks: binary.LittleEndian.Uint32(b[16:]),
	}, nil
}

func parseZip64EOCD(b []byte) (zip64EOCD, error) {
	if len(b) < zip64EOCDLen {
		return zip64EOCD{}, malformed(recordZip64EOCD, 0, "need %d bytes, have %d", zip64EOCDLen, len(b))
	}
	if sig := binary.LittleEndian.Uint32(b); sig != zip64EOCDSignature {
		return zip64EOCD{}, malformed(recordZip64EOCD, 0, "bad signature 0x%08x", sig)
	}
	return zip64EOCD{
		recordSize:      binary.LittleEndian.Uint64(b[4:]),
		entriesThisDisk: binary.LittleEndian.Uint64(b[24:]),
		totalEntries:    binary.LittleEndian.Uint64(b[32:]),
		cdSize:          binary.LittleEndian.Uint64(b[40:]),
		cdOffset:        binary.LittleEndian.Uint64(b[48:]),
	}, nil
}

// parseCentralHeader reads one central directory header from the front of b.
func parseCentralHeader(b []byte) (centralHeader, error) {
	if len(b) < centralHeaderLen {
		return centralHeader{}, malformed(recordCentralHeader, 0, "need %d bytes, have %d", centralHeaderLen, len(b))
	}
	if sig := binary.LittleEndian.Uint32(b); sig != centralHeaderSignature {
		return centralHeader{}, malformed(recordCentralHeader, 0, "bad signature 0x%08x", sig)
	}

	nameLen := int(binary.LittleEndian.Uint16(b[28:]))
	extraLen := int(binary.LittleEndian.Uint16(b[30:]))
	commentLen := int(binary.LittleEndian.Uint16(b[32:]))
	total := centralHeaderLen + nameLen + extraLen + commentLen
	if len(b) < total {
		return centralHeader{}, malformed(recordCentralHeader, 0, "variable fields need %d bytes, have %d", total, len(b))
	}

	h := centralHeader{
		flags:             binary.LittleEndian.Uint16(b[8:]),
		method:            binary.LittleEndian.Uint16(b[10:]),
		crc32:             binary.LittleEndian.Uint32(b[16:]),
		compressedSize:    uint64(binary.LittleEndian.Uint32(b[20:])),
		uncompressedSize:  uint64(binary.LittleEndian.Uint32(b[24:])),
		localHeaderOffset: uint64(binary.LittleEndian.Uint32(b[42:])),
		name:              string(b[centralHeaderLen : centralHeaderLen+nameLen]),
		headerLen:         total,
	}

	extra := b[centralHeaderLen+nameLen : centralHeaderLen+nameLen+extraLen]
	if err := applyZip64Extra(&h, extra); err != nil {
		return centralHeader{}, err
	}
	return h, nil
}

// applyZip64Extra walks the extra field blocks and, when a zip64 block is
// present, replaces each sentinel value in the fixed order uncompressed,
// compressed, local header offset.
func applyZip64Extra(h *centralHeader, extra []byte) error {
	needUncompressed := h.uncompressedSize == sentinel32
	needCompressed := h.compressedSize == sentinel32
	needOffset := h.localHeaderOffset == sentinel32
	if !needUncompressed && !needCompressed && !needOffset {
		return nil
	}

	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra)
		size := int(binary.LittleEndian.Uint16(extra[2:]))
		if 4+size > len(extra) {
			return malformed(recordCentralHeader, 0, "extra block 0x%04x overruns field (%q)", tag, h.name)
		}
		block := extra[4 : 4+size]
		extra = extra[4+size:]
		if tag != zip64ExtraTag {
			continue
		}

		read := func(field string) (uint64, error) {
			if len(block) < 8 {
				return 0, malformed(recordCentralHeader, 0, "zip64 extra missing %s (%q)", field, h.name)
			}
			v := binary.LittleEndian.Uint64(block)
			block = block[8:]
			return v, nil
		}

		var err error
		if needUncompressed {
			if h.uncompressedSize, err = read("uncompressed size"); err != nil {
				return err
			}
		}
		if needCompressed {
			if h.compressedSize, err = read("compressed size"); err != nil {
				return err
			}
		}
		if needOffset {
			if h.localHeaderOffset, err = read("local header offset"); err != nil {
				return err
			}
		}
		return nil
	}

	return malformed(recordCentralHeader, 0, "sentinel values without zip64 extra field (%q)", h.name)
}

func parseLocalHeader(b []byte) (localHeader, error) {
	if len(b) < localHeaderLen {
		return localHeader{}, malformed(recordLocalHeader, 0, "need %d bytes, have %d", localHeaderLen, len(b))
	}
	if sig := binary.LittleEndian.Uint32(b); sig != localHeaderSignature {
		return localHeader{}, malformed(recordLocalHeader, 0, "bad signature 0x%08x", sig)
	}
	return localHeader{
		nameLen:  binary.LittleEndian.Uint16(b[26:]),
		extraLen: binary.LittleEndian.Uint16(b[28:]),
	}, nil
}
