package apkmanifest_test

// In-memory builder for binary XML documents so the tests don't depend on
// checked-in compiled manifests. It produces the same chunk layout aapt2
// emits: one outer document chunk, a string pool, then the XML event chunks.

import (
	"bytes"
	"encoding/binary"
	"math"
	"unicode/utf16"
)

const (
	axmlChunkFile        = 0x0003
	axmlChunkStringPool  = 0x0001
	axmlChunkResourceIds = 0x0180
	axmlChunkNsStart     = 0x0100
	axmlChunkNsEnd       = 0x0101
	axmlChunkTagStart    = 0x0102
	axmlChunkTagEnd      = 0x0103
	axmlChunkText        = 0x0104

	axmlTypeString = 0x03
	axmlTypeFloat  = 0x04
	axmlTypeIntDec = 0x10
	axmlTypeIntHex = 0x11
	axmlTypeBool   = 0x12

	androidNS = "http://schemas.android.com/apk/res/android"
)

type axmlAttr struct {
	ns     string // "" means unqualified
	name   string
	typ    uint8
	raw    string
	hasRaw bool
	data   uint32
}

type axmlBuilder struct {
	utf8    bool
	strings []string
	index   map[string]uint32
	body    bytes.Buffer
}

func newAxml() *axmlBuilder {
	return &axmlBuilder{index: make(map[string]uint32)}
}

func newAxmlUtf8() *axmlBuilder {
	b := newAxml()
	b.utf8 = true
	return b
}

func (b *axmlBuilder) intern(s string) uint32 {
	if i, ok := b.index[s]; ok {
		return i
	}
	i := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.index[s] = i
	return i
}

// internNS interns a namespace URL, with "" standing for "no namespace".
func (b *axmlBuilder) internNS(ns string) uint32 {
	if ns == "" {
		return math.MaxUint32
	}
	return b.intern(ns)
}

func strAttr(ns, name, value string) axmlAttr {
	return axmlAttr{ns: ns, name: name, typ: axmlTypeString, raw: value, hasRaw: true}
}

func intAttr(ns, name string, value uint32) axmlAttr {
	return axmlAttr{ns: ns, name: name, typ: axmlTypeIntDec, data: value}
}

func hexAttr(ns, name string, value uint32) axmlAttr {
	return axmlAttr{ns: ns, name: name, typ: axmlTypeIntHex, data: value}
}

func typedAttr(ns, name string, typ uint8, data uint32) axmlAttr {
	return axmlAttr{ns: ns, name: name, typ: typ, data: data}
}

func (b *axmlBuilder) put16(v uint16) { binary.Write(&b.body, binary.LittleEndian, v) }
func (b *axmlBuilder) put32(v uint32) { binary.Write(&b.body, binary.LittleEndian, v) }

func (b *axmlBuilder) xmlChunkHeader(id uint16, size uint32) {
	b.put16(id)
	b.put16(16) // header length incl. line number and comment
	b.put32(size)
	b.put32(1)              // line number
	b.put32(math.MaxUint32) // comment index
}

func (b *axmlBuilder) startNamespace(prefix, uri string) {
	prefixIdx, uriIdx := b.intern(prefix), b.intern(uri)
	b.xmlChunkHeader(axmlChunkNsStart, 24)
	b.put32(prefixIdx)
	b.put32(uriIdx)
}

func (b *axmlBuilder) endNamespace(prefix, uri string) {
	prefixIdx, uriIdx := b.intern(prefix), b.intern(uri)
	b.xmlChunkHeader(axmlChunkNsEnd, 24)
	b.put32(prefixIdx)
	b.put32(uriIdx)
}

func (b *axmlBuilder) startTag(ns, name string, attrs ...axmlAttr) {
	b.startTagRaw(b.internNS(ns), b.intern(name), attrs...)
}

// startTagNoName emits a start tag whose name index is the absent sentinel.
func (b *axmlBuilder) startTagNoName(attrs ...axmlAttr) {
	b.startTagRaw(math.MaxUint32, math.MaxUint32, attrs...)
}

func (b *axmlBuilder) startTagRaw(nsIdx, nameIdx uint32, attrs ...axmlAttr) {
	type cell struct {
		ns, name, raw uint32
		typ, data     uint32
	}
	cells := make([]cell, 0, len(attrs))
	for _, a := range attrs {
		c := cell{
			ns:   b.internNS(a.ns),
			name: b.intern(a.name),
			raw:  math.MaxUint32,
			typ:  uint32(a.typ),
			data: a.data,
		}
		if a.hasRaw {
			c.raw = b.intern(a.raw)
		}
		cells = append(cells, c)
	}

	b.xmlChunkHeader(axmlChunkTagStart, uint32(16+20+20*len(cells)))
	b.put32(nsIdx)
	b.put32(nameIdx)
	b.put16(0x14) // attribute start
	b.put16(0x14) // attribute size
	b.put16(uint16(len(cells)))
	b.put16(0) // id index
	b.put16(0) // class index
	b.put16(0) // style index

	for _, c := range cells {
		b.put32(c.ns)
		b.put32(c.name)
		b.put32(c.raw)
		b.put16(8) // value size
		b.body.WriteByte(0)
		b.body.WriteByte(byte(c.typ))
		b.put32(c.data)
	}
}

func (b *axmlBuilder) endTag(ns, name string) {
	nsIdx, nameIdx := b.internNS(ns), b.intern(name)
	b.xmlChunkHeader(axmlChunkTagEnd, 24)
	b.put32(nsIdx)
	b.put32(nameIdx)
}

func (b *axmlBuilder) text(s string) {
	idx := b.intern(s)
	b.xmlChunkHeader(axmlChunkText, 28)
	b.put32(idx)
	b.put16(8) // value size
	b.body.WriteByte(0)
	b.body.WriteByte(axmlTypeString)
	b.put32(idx)
}

// rawChunk appends an arbitrary chunk, for malformed-document tests.
func (b *axmlBuilder) rawChunk(id uint16, body []byte) {
	b.put16(id)
	b.put16(8)
	b.put32(uint32(8 + len(body)))
	b.body.Write(body)
}

func (b *axmlBuilder) buildPool() []byte {
	var data bytes.Buffer
	offsets := make([]uint32, len(b.strings))
	for i, s := range b.strings {
		offsets[i] = uint32(data.Len())
		if b.utf8 {
			units := utf16.Encode([]rune(s))
			data.WriteByte(byte(len(units)))
			data.WriteByte(byte(len(s)))
			data.WriteString(s)
			data.WriteByte(0)
		} else {
			units := utf16.Encode([]rune(s))
			binary.Write(&data, binary.LittleEndian, uint16(len(units)))
			binary.Write(&data, binary.LittleEndian, units)
			binary.Write(&data, binary.LittleEndian, uint16(0))
		}
	}

	var flags uint32
	if b.utf8 {
		flags = 0x100
	}

	var pool bytes.Buffer
	binary.Write(&pool, binary.LittleEndian, uint16(axmlChunkStringPool))
	binary.Write(&pool, binary.LittleEndian, uint16(28))
	binary.Write(&pool, binary.LittleEndian, uint32(28+4*len(offsets)+data.Len()))
	binary.Write(&pool, binary.LittleEndian, uint32(len(offsets)))
	binary.Write(&pool, binary.LittleEndian, uint32(0)) // style count
	binary.Write(&pool, binary.LittleEndian, flags)
	binary.Write(&pool, binary.LittleEndian, uint32(28+4*len(offsets)))
	binary.Write(&pool, binary.LittleEndian, uint32(0)) // styles start
	binary.Write(&pool, binary.LittleEndian, offsets)
	pool.Write(data.Bytes())
	return pool.Bytes()
}

func (b *axmlBuilder) bytes() []byte {
	pool := b.buildPool()

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint16(axmlChunkFile))
	binary.Write(&out, binary.LittleEndian, uint16(8))
	binary.Write(&out, binary.LittleEndian, uint32(8+len(pool)+b.body.Len()))
	out.Write(pool)
	out.Write(b.body.Bytes())
	return out.Bytes()
}
