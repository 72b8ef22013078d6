// Package ziptest builds ZIP archives byte by byte for tests, including
// forced ZIP64 layouts and archives whose payload is generated on demand
// so multi-gigabyte members never have to exist in memory.
package ziptest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/klauspost/compress/flate"
)

// Generator fills p with the payload bytes starting at offset off.
type Generator func(off uint64, p []byte)

type file struct {
	name   string
	method uint16
	data   []byte
	crc    uint32
	usize  uint64
	gen    Generator
	gsize  uint64
}

func (f *file) compressedSize() uint64 {
	if f.gen != nil {
		return f.gsize
	}
	return uint64(len(f.data))
}

// Builder assembles an archive. The zero value produces an empty archive.
type Builder struct {
	// Zip64 writes every size and offset through ZIP64 extra fields and
	// emits the ZIP64 end records even when the values would fit.
	Zip64 bool
	// Comment is stored in the end of central directory record.
	Comment string
	// Prefix is written before the first local header.
	Prefix []byte

	files []*file
}

// AddStored adds an uncompressed member.
func (b *Builder) AddStored(name string, data []byte) *Builder {
	b.files = append(b.files, &file{
		name:  name,
		data:  data,
		crc:   crc32.ChecksumIEEE(data),
		usize: uint64(len(data)),
	})
	return b
}

// AddDeflated adds a deflate-compressed member.
func (b *Builder) AddDeflated(name string, data []byte) *Builder {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	_, _ = w.Write(data)
	_ = w.Close()
	b.files = append(b.files, &file{
		name:   name,
		method: 8,
		data:   buf.Bytes(),
		crc:    crc32.ChecksumIEEE(data),
		usize:  uint64(len(data)),
	})
	return b
}

// AddGenerated adds a stored member of size bytes produced by gen. Its CRC
// is left at zero.
func (b *Builder) AddGenerated(name string, size uint64, gen Generator) *Builder {
	b.files = append(b.files, &file{
		name:  name,
		usize: size,
		gen:   gen,
		gsize: size,
	})
	return b
}

// Bytes materializes the whole archive.
func (b *Builder) Bytes() []byte {
	a := b.Archive()
	out := make([]byte, a.size)
	a.fill(0, out)
	return out
}

// Archive lays out the archive without materializing generated payloads.
func (b *Builder) Archive() *Archive {
	a := &Archive{}
	var head bytes.Buffer
	flush := func() {
		if head.Len() > 0 {
			a.addBytes(bytes.Clone(head.Bytes()))
			head.Reset()
		}
	}

	head.Write(b.Prefix)

	offsets := make([]uint64, len(b.files))
	for i, f := range b.files {
		offsets[i] = a.size + uint64(head.Len())
		b.writeLocalHeader(&head, f)
		if f.gen != nil {
			flush()
			a.addGenerated(f.gsize, f.gen)
			continue
		}
		head.Write(f.data)
	}

	cdOffset := a.size + uint64(head.Len())
	var cd bytes.Buffer
	for i, f := range b.files {
		b.writeCentralHeader(&cd, f, offsets[i])
	}
	cdSize := uint64(cd.Len())
	head.Write(cd.Bytes())

	count := uint64(len(b.files))
	if b.Zip64 || count >= 0xFFFF || cdSize >= 0xFFFFFFFF || cdOffset >= 0xFFFFFFFF {
		zOffset := a.size + uint64(head.Len())
		le(&head, uint32(0x06064b50))
		le(&head, uint64(44))
		le(&head, uint16(45))
		le(&head, uint16(45))
		le(&head, uint32(0))
		le(&head, uint32(0))
		le(&head, count)
		le(&head, count)
		le(&head, cdSize)
		le(&head, cdOffset)

		le(&head, uint32(0x07064b50))
		le(&head, uint32(0))
		le(&head, zOffset)
		le(&head, uint32(1))

		b.writeEOCD(&head, 0xFFFF, 0xFFFFFFFF, 0xFFFFFFFF)
	} else {
		b.writeEOCD(&head, uint16(count), uint32(cdSize), uint32(cdOffset))
	}

	flush()
	return a
}

func (b *Builder) writeLocalHeader(w *bytes.Buffer, f *file) {
	var extra []byte
	csize, usize := uint32(f.compressedSize()), uint32(f.usize)
	if b.Zip64 || f.compressedSize() >= 0xFFFFFFFF || f.usize >= 0xFFFFFFFF {
		var x bytes.Buffer
		le(&x, uint16(0x0001))
		le(&x, uint16(16))
		le(&x, f.usize)
		le(&x, f.compressedSize())
		extra = x.Bytes()
		csize, usize = 0xFFFFFFFF, 0xFFFFFFFF
	}

	le(w, uint32(0x04034b50))
	le(w, uint16(45))
	le(w, uint16(0))
	le(w, f.method)
	le(w, uint16(0))
	le(w, uint16(0x21))
	le(w, f.crc)
	le(w, csize)
	le(w, usize)
	le(w, uint16(len(f.name)))
	le(w, uint16(len(extra)))
	w.WriteString(f.name)
	w.Write(extra)
}

func (b *Builder) writeCentralHeader(w *bytes.Buffer, f *file, offset uint64) {
	csize, usize, off := uint32(f.compressedSize()), uint32(f.usize), uint32(offset)
	var x bytes.Buffer
	if b.Zip64 || f.usize >= 0xFFFFFFFF || f.compressedSize() >= 0xFFFFFFFF || offset >= 0xFFFFFFFF {
		le(&x, uint16(0x0001))
		le(&x, uint16(24))
		le(&x, f.usize)
		le(&x, f.compressedSize())
		le(&x, offset)
		csize, usize, off = 0xFFFFFFFF, 0xFFFFFFFF, 0xFFFFFFFF
	}

	le(w, uint32(0x02014b50))
	le(w, uint16(0x031e))
	le(w, uint16(45))
	le(w, uint16(0))
	le(w, f.method)
	le(w, uint16(0))
	le(w, uint16(0x21))
	le(w, f.crc)
	le(w, csize)
	le(w, usize)
	le(w, uint16(len(f.name)))
	le(w, uint16(x.Len()))
	le(w, uint16(0))
	le(w, uint16(0))
	le(w, uint16(0))
	le(w, uint32(0))
	le(w, off)
	w.WriteString(f.name)
	w.Write(x.Bytes())
}

func (b *Builder) writeEOCD(w *bytes.Buffer, count uint16, cdSize, cdOffset uint32) {
	le(w, uint32(0x06054b50))
	le(w, uint16(0))
	le(w, uint16(0))
	le(w, count)
	le(w, count)
	le(w, cdSize)
	le(w, cdOffset)
	le(w, uint16(len(b.Comment)))
	w.WriteString(b.Comment)
}

func le(w *bytes.Buffer, v any) {
	_ = binary.Write(w, binary.LittleEndian, v)
}
