package apkmanifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// Event is the result of advancing an XmlTree cursor.
type Event int8

const (
	// EventBadDocument means the underlying buffer could not be decoded any
	// further. The cause is available through XmlTree.Err.
	EventBadDocument Event = iota - 1
	EventEndDocument
	EventStartNamespace
	EventEndNamespace
	EventStartTag
	EventEndTag
	EventText
)

func (e Event) String() string {
	switch e {
	case EventBadDocument:
		return "bad-document"
	case EventEndDocument:
		return "end-document"
	case EventStartNamespace:
		return "start-namespace"
	case EventEndNamespace:
		return "end-namespace"
	case EventStartTag:
		return "start-tag"
	case EventEndTag:
		return "end-tag"
	case EventText:
		return "text"
	default:
		return fmt.Sprintf("event(%d)", int8(e))
	}
}

// Some manifests come in plaintext, which is an error for us.
var ErrPlainTextManifest = errors.New("xml is in plaintext, binary form expected")

type xmlAttr struct {
	namespace    string
	hasNamespace bool
	name         string
	rawValue     string
	hasRawValue  bool
	valueType    AttrType
	valueData    uint32
}

// binary layout of a single attribute cell inside a start-tag chunk
type resAttr struct {
	NamespaceIdx uint32
	NameIdx      uint32
	RawValueIdx  uint32
	ValueSize    uint16
	Res0         uint8
	ValueType    uint8
	ValueData    uint32
}

// XmlTree is a pull cursor over a binary-encoded XML document held in a byte
// buffer. Next advances to the following structural event; the element and
// attribute accessors describe the current node and are valid only until the
// next call to Next.
//
// An XmlTree performs a single forward pass and is not safe for concurrent
// use. The input buffer must stay unmodified for the cursor's lifetime.
type XmlTree struct {
	r         *bytes.Reader
	pool      *stringPool
	remaining uint32
	err       error
	done      bool

	// current node
	elemNamespace    string
	elemHasNamespace bool
	elemName         string
	elemHasName      bool
	attrs            []xmlAttr
	text             string
	nsPrefix         string
	nsURI            string
}

// NewXmlTree initializes a cursor over data. Only the outermost chunk header
// is validated here; string pool or structural corruption surfaces from Next
// as EventBadDocument.
func NewXmlTree(data []byte) (*XmlTree, error) {
	r := bytes.NewReader(data)

	id, headerLen, totalLen, err := parseChunkHeader(r)
	if err != nil {
		return nil, fmt.Errorf("error reading document header: %v", err)
	}

	if (id & 0xFF) == '<' {
		buf := bytes.NewBuffer(make([]byte, 0, 8))
		binary.Write(buf, binary.LittleEndian, &id)
		binary.Write(buf, binary.LittleEndian, &headerLen)
		binary.Write(buf, binary.LittleEndian, &totalLen)

		if s := buf.String(); strings.HasPrefix(s, "<?xml ") || strings.HasPrefix(s, "<manif") {
			return nil, ErrPlainTextManifest
		}
	}

	// Android accepts any outer chunk id here, so no chunkAxmlFile check.

	if totalLen < chunkHeaderSize {
		return nil, fmt.Errorf("document chunk too short (%d bytes)", totalLen)
	}

	return &XmlTree{
		r:         r,
		remaining: totalLen - chunkHeaderSize,
	}, nil
}

// Err returns the decode failure after Next reported EventBadDocument.
func (t *XmlTree) Err() error {
	return t.err
}

// Next advances the cursor and returns the next structural event. The string
// pool and resource id chunks are consumed internally and never surface.
// After EventEndDocument or EventBadDocument the cursor stays put and keeps
// returning the same event.
func (t *XmlTree) Next() Event {
	if t.err != nil {
		return EventBadDocument
	}
	if t.done {
		return EventEndDocument
	}

	for t.remaining > 0 {
		id, _, size, err := parseChunkHeader(t.r)
		if err != nil {
			return t.fail(fmt.Errorf("error reading chunk header at 0x%08x from end: %v", t.remaining, err))
		}

		if size < chunkHeaderSize || size > t.remaining {
			return t.fail(fmt.Errorf("chunk 0x%04x: invalid size %d", id, size))
		}
		t.remaining -= size

		lm := &io.LimitedReader{R: t.r, N: int64(size) - chunkHeaderSize}

		var event Event
		switch id {
		case chunkStringPool:
			t.pool, err = parseStringPool(lm)
		case chunkResourceIds:
			// Attribute names resolve through the string pool, the resource
			// id table adds nothing for manifest extraction.
			err = skipResourceIds(lm)
		default:
			if (id & chunkMaskXml) == 0 {
				return t.fail(fmt.Errorf("unknown chunk id 0x%x", id))
			}

			// line number and comment index precede every XML chunk body
			if _, err = io.CopyN(io.Discard, lm, 2*4); err != nil {
				return t.fail(fmt.Errorf("chunk 0x%04x: error skipping line info: %v", id, err))
			}

			switch id {
			case chunkXmlNsStart:
				event, err = t.parseNsStart(lm)
			case chunkXmlNsEnd:
				event, err = t.parseNsEnd(lm)
			case chunkXmlTagStart:
				event, err = t.parseTagStart(lm)
			case chunkXmlTagEnd:
				event, err = t.parseTagEnd(lm)
			case chunkXmlText:
				event, err = t.parseText(lm)
			default:
				return t.fail(fmt.Errorf("unknown chunk id 0x%x", id))
			}
		}

		if err != nil {
			return t.fail(fmt.Errorf("chunk 0x%04x: %v", id, err))
		} else if lm.N != 0 {
			return t.fail(fmt.Errorf("chunk 0x%04x: was not fully read", id))
		}

		switch id {
		case chunkStringPool, chunkResourceIds:
			continue
		}
		return event
	}

	t.done = true
	return EventEndDocument
}

func (t *XmlTree) fail(err error) Event {
	t.err = err
	return EventBadDocument
}

// ElementNamespace returns the namespace URL of the current start or end tag.
// The second result is false when the tag is unqualified.
func (t *XmlTree) ElementNamespace() (string, bool) {
	return t.elemNamespace, t.elemHasNamespace
}

// ElementName returns the local name of the current start or end tag. The
// second result is false when the name is missing from the document.
func (t *XmlTree) ElementName() (string, bool) {
	return t.elemName, t.elemHasName
}

// Text returns the character data of the current text event.
func (t *XmlTree) Text() string {
	return t.text
}

// NamespacePrefix returns the prefix of the current namespace event.
func (t *XmlTree) NamespacePrefix() string {
	return t.nsPrefix
}

// NamespaceURI returns the URI of the current namespace event.
func (t *XmlTree) NamespaceURI() string {
	return t.nsURI
}

// AttrCount returns the number of attributes on the current start tag.
func (t *XmlTree) AttrCount() int {
	return len(t.attrs)
}

// AttrNamespace returns the namespace URL of attribute i, with false when the
// attribute is unqualified.
func (t *XmlTree) AttrNamespace(i int) (string, bool) {
	return t.attrs[i].namespace, t.attrs[i].hasNamespace
}

// AttrName returns the local name of attribute i.
func (t *XmlTree) AttrName(i int) string {
	return t.attrs[i].name
}

// AttrType returns the declared storage type of attribute i's value.
func (t *XmlTree) AttrType(i int) AttrType {
	return t.attrs[i].valueType
}

// AttrData returns the raw data word of attribute i's value cell. It is only
// meaningful for the integer storage types.
func (t *XmlTree) AttrData(i int) uint32 {
	return t.attrs[i].valueData
}

// AttrStringValue returns the raw string value of attribute i, with false
// when the document carries no string form for it.
func (t *XmlTree) AttrStringValue(i int) (string, bool) {
	return t.attrs[i].rawValue, t.attrs[i].hasRawValue
}

func (t *XmlTree) getString(idx uint32) (s string, present bool, err error) {
	if t.pool == nil {
		return "", false, errors.New("string referenced before the string pool chunk")
	}
	if idx == math.MaxUint32 {
		return "", false, nil
	}
	s, err = t.pool.get(idx)
	return s, err == nil, err
}

func skipResourceIds(r *io.LimitedReader) error {
	if (r.N % 4) != 0 {
		return fmt.Errorf("invalid resource ids chunk size %d", r.N)
	}
	if _, err := io.CopyN(io.Discard, r, r.N); err != nil {
		return err
	}
	return nil
}

func (t *XmlTree) parseNsStart(r *io.LimitedReader) (Event, error) {
	var prefixIdx, uriIdx uint32
	if err := binary.Read(r, binary.LittleEndian, &prefixIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading prefix idx: %v", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &uriIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading uri idx: %v", err)
	}

	var err error
	if t.nsPrefix, _, err = t.getString(prefixIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding prefix: %v", err)
	}
	if t.nsURI, _, err = t.getString(uriIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding uri: %v", err)
	}
	return EventStartNamespace, nil
}

func (t *XmlTree) parseNsEnd(r *io.LimitedReader) (Event, error) {
	var prefixIdx, uriIdx uint32
	if err := binary.Read(r, binary.LittleEndian, &prefixIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading prefix idx: %v", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &uriIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading uri idx: %v", err)
	}

	var err error
	if t.nsPrefix, _, err = t.getString(prefixIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding prefix: %v", err)
	}
	if t.nsURI, _, err = t.getString(uriIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding uri: %v", err)
	}
	return EventEndNamespace, nil
}

func (t *XmlTree) parseTagStart(r *io.LimitedReader) (Event, error) {
	var namespaceIdx, nameIdx uint32
	var attrStart, attrSize, attrCount uint16

	if err := binary.Read(r, binary.LittleEndian, &namespaceIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading namespace idx: %v", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &nameIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading name idx: %v", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &attrStart); err != nil {
		return EventBadDocument, fmt.Errorf("error reading attrStart: %v", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &attrSize); err != nil {
		return EventBadDocument, fmt.Errorf("error reading attrSize: %v", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &attrCount); err != nil {
		return EventBadDocument, fmt.Errorf("error reading attrCount: %v", err)
	}

	// discard idIndex, classIndex, styleIndex
	if _, err := io.CopyN(io.Discard, r, 2*3); err != nil {
		return EventBadDocument, fmt.Errorf("error skipping style indexes: %v", err)
	}

	var err error
	if t.elemNamespace, t.elemHasNamespace, err = t.getString(namespaceIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding namespace: %v", err)
	}

	if t.elemName, t.elemHasName, err = t.getString(nameIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding name: %v", err)
	}

	t.attrs = t.attrs[:0]

	const attrCellSize = 5 * 4
	var cell resAttr
	for i := uint16(0); i < attrCount; i++ {
		if err := binary.Read(r, binary.LittleEndian, &cell); err != nil {
			return EventBadDocument, fmt.Errorf("error reading attribute cell: %v", err)
		}

		if attrSize > attrCellSize {
			if _, err := io.CopyN(io.Discard, r, int64(attrSize)-attrCellSize); err != nil {
				return EventBadDocument, fmt.Errorf("error skipping attribute cell padding: %v", err)
			}
		}

		var attr xmlAttr
		if attr.namespace, attr.hasNamespace, err = t.getString(cell.NamespaceIdx); err != nil {
			return EventBadDocument, fmt.Errorf("error decoding attribute namespace: %v", err)
		}

		if attr.name, _, err = t.getString(cell.NameIdx); err != nil {
			return EventBadDocument, fmt.Errorf("error decoding attribute name: %v", err)
		}

		if attr.rawValue, attr.hasRawValue, err = t.getString(cell.RawValueIdx); err != nil {
			return EventBadDocument, fmt.Errorf("error decoding attribute value: %v", err)
		}

		attr.valueType = AttrType(cell.ValueType)
		attr.valueData = cell.ValueData
		t.attrs = append(t.attrs, attr)
	}

	return EventStartTag, nil
}

func (t *XmlTree) parseTagEnd(r *io.LimitedReader) (Event, error) {
	var namespaceIdx, nameIdx uint32
	if err := binary.Read(r, binary.LittleEndian, &namespaceIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading namespace idx: %v", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &nameIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading name idx: %v", err)
	}

	var err error
	if t.elemNamespace, t.elemHasNamespace, err = t.getString(namespaceIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding namespace: %v", err)
	}

	if t.elemName, t.elemHasName, err = t.getString(nameIdx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding name: %v", err)
	}

	t.attrs = t.attrs[:0]
	return EventEndTag, nil
}

func (t *XmlTree) parseText(r *io.LimitedReader) (Event, error) {
	var idx uint32
	if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
		return EventBadDocument, fmt.Errorf("error reading text idx: %v", err)
	}

	var err error
	if t.text, _, err = t.getString(idx); err != nil {
		return EventBadDocument, fmt.Errorf("error decoding text: %v", err)
	}

	// skip the typed value cell
	if _, err := io.CopyN(io.Discard, r, 2*4); err != nil {
		return EventBadDocument, fmt.Errorf("error skipping text value: %v", err)
	}

	return EventText, nil
}
