package apkmanifest

import (
	"encoding/binary"
	"io"
)

const (
	chunkNull        = 0x0000
	chunkStringPool  = 0x0001
	chunkAxmlFile    = 0x0003
	chunkResourceIds = 0x0180

	chunkMaskXml     = 0x0100
	chunkXmlNsStart  = 0x0100
	chunkXmlNsEnd    = 0x0101
	chunkXmlTagStart = 0x0102
	chunkXmlTagEnd   = 0x0103
	chunkXmlText     = 0x0104

	chunkHeaderSize = (2 + 2 + 4)
)

// AttrType is the storage type of an attribute value cell in the binary
// document. It describes how the value is encoded, independent of what the
// attribute means semantically.
type AttrType uint8

const (
	AttrTypeNull      AttrType = 0x00
	AttrTypeReference AttrType = 0x01
	AttrTypeAttribute AttrType = 0x02
	AttrTypeString    AttrType = 0x03
	AttrTypeFloat     AttrType = 0x04
	AttrTypeIntDec    AttrType = 0x10
	AttrTypeIntHex    AttrType = 0x11
	AttrTypeIntBool   AttrType = 0x12
)

func parseChunkHeader(r io.Reader) (id, headerLen uint16, size uint32, err error) {
	if err = binary.Read(r, binary.LittleEndian, &id); err != nil {
		return
	}

	if err = binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return
	}

	if err = binary.Read(r, binary.LittleEndian, &size); err != nil {
		return
	}
	return
}
