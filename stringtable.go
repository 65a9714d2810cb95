package apkmanifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const (
	stringFlagSorted = 0x00000001
	stringFlagUtf8   = 0x00000100

	// Sanity cap, the pool of a manifest has a few dozen entries at most.
	maxPoolStrings = 2 * 1024 * 1024
)

// stringPool is the decoded string-pool chunk of a binary XML document. All
// names, namespace URLs and string attribute values in the document are
// indexes into this pool. Entries are decoded lazily and cached.
type stringPool struct {
	isUtf8  bool
	offsets []uint32
	data    []byte
	cache   map[uint32]string
}

func parseStringPool(r *io.LimitedReader) (*stringPool, error) {
	var stringCnt, dataStart, flags uint32

	if err := binary.Read(r, binary.LittleEndian, &stringCnt); err != nil {
		return nil, fmt.Errorf("error reading string count: %v", err)
	}

	// style count, styles are not used in manifests
	if _, err := io.CopyN(io.Discard, r, 4); err != nil {
		return nil, fmt.Errorf("error skipping style count: %v", err)
	}

	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, fmt.Errorf("error reading flags: %v", err)
	}

	pool := &stringPool{
		isUtf8: (flags & stringFlagUtf8) != 0,
		cache:  make(map[uint32]string),
	}

	flags &^= stringFlagUtf8 | stringFlagSorted
	if flags != 0 {
		return nil, fmt.Errorf("unknown string pool flag: 0x%08x", flags)
	}

	if err := binary.Read(r, binary.LittleEndian, &dataStart); err != nil {
		return nil, fmt.Errorf("error reading data start offset: %v", err)
	}

	// styles offset, see above
	if _, err := io.CopyN(io.Discard, r, 4); err != nil {
		return nil, fmt.Errorf("error skipping styles offset: %v", err)
	}

	if stringCnt >= maxPoolStrings {
		return nil, fmt.Errorf("too many strings in the pool (%d)", stringCnt)
	}

	// Some obfuscators shrink the offset table below what the data start
	// offset implies, Android tolerates that and so do we.
	remainder := int64(dataStart) - 7*4 - 4*int64(stringCnt)
	if remainder < 0 {
		if remainder%4 == 0 && uint32((-1*remainder)/4) < stringCnt {
			stringCnt -= uint32(-1 * remainder / 4)
		} else {
			return nil, fmt.Errorf("wrong string data offset (remainder %d)", remainder)
		}
	}

	pool.offsets = make([]uint32, stringCnt)
	if err := binary.Read(r, binary.LittleEndian, &pool.offsets); err != nil {
		return nil, fmt.Errorf("failed to read string offsets: %v", err)
	}

	if remainder > 0 {
		if _, err := io.CopyN(io.Discard, r, remainder); err != nil {
			return nil, fmt.Errorf("error skipping style offsets: %v", err)
		}
	}

	pool.data = make([]byte, r.N)
	if _, err := io.ReadFull(r, pool.data); err != nil {
		return nil, fmt.Errorf("failed to read string pool data: %v", err)
	}
	return pool, nil
}

// get returns the pool entry at idx. The index sentinel 0xFFFFFFFF resolves
// to an empty string, matching how Android treats "no string".
func (p *stringPool) get(idx uint32) (string, error) {
	if idx == math.MaxUint32 {
		return "", nil
	} else if idx >= uint32(len(p.offsets)) {
		return "", fmt.Errorf("string with idx %d not found", idx)
	}

	if str, ok := p.cache[idx]; ok {
		return str, nil
	}

	offset := p.offsets[idx]
	if offset >= uint32(len(p.data)) {
		return "", fmt.Errorf("string offset for idx %d is out of bounds (%d >= %d)", idx, offset, len(p.data))
	}

	r := bytes.NewReader(p.data[offset:])

	var err error
	var res string
	if p.isUtf8 {
		res, err = p.decodeUtf8(r)
	} else {
		res, err = p.decodeUtf16(r)
	}

	if err != nil {
		return "", err
	}

	if !utf8.ValidString(res) || strings.ContainsRune(res, 0) {
		res = strings.Map(func(r rune) rune {
			switch r {
			case 0, utf8.RuneError:
				return '￾'
			default:
				return r
			}
		}, res)
	}

	p.cache[idx] = res
	return res, nil
}

func (p *stringPool) decodeUtf16(r io.Reader) (string, error) {
	var chars uint32
	var lenLow, lenHigh uint16

	if err := binary.Read(r, binary.LittleEndian, &lenHigh); err != nil {
		return "", fmt.Errorf("error reading string length: %v", err)
	}

	if (lenHigh & 0x8000) != 0 {
		if err := binary.Read(r, binary.LittleEndian, &lenLow); err != nil {
			return "", fmt.Errorf("error reading string length: %v", err)
		}
		chars = (uint32(lenHigh&0x7FFF) << 16) | uint32(lenLow)
	} else {
		chars = uint32(lenHigh)
	}

	buf := make([]uint16, int64(chars))
	if err := binary.Read(r, binary.LittleEndian, &buf); err != nil {
		return "", fmt.Errorf("error reading string data: %v", err)
	}

	decoded := utf16.Decode(buf)
	for len(decoded) != 0 && decoded[len(decoded)-1] == 0 {
		decoded = decoded[:len(decoded)-1]
	}
	return string(decoded), nil
}

func (p *stringPool) decodeUtf8Len(r io.Reader) (int64, error) {
	var length int64
	var lenLow, lenHigh uint8

	if err := binary.Read(r, binary.LittleEndian, &lenHigh); err != nil {
		return 0, fmt.Errorf("error reading string length: %v", err)
	}

	if (lenHigh & 0x80) != 0 {
		if err := binary.Read(r, binary.LittleEndian, &lenLow); err != nil {
			return 0, fmt.Errorf("error reading string length: %v", err)
		}
		length = (int64(lenHigh&0x7F) << 8) | int64(lenLow)
	} else {
		length = int64(lenHigh)
	}
	return length, nil
}

func (p *stringPool) decodeUtf8(r io.Reader) (string, error) {
	// UTF-8 entries carry two lengths, the UTF-16 code unit count first.
	if _, err := p.decodeUtf8Len(r); err != nil {
		return "", err
	}

	len8, err := p.decodeUtf8Len(r)
	if err != nil {
		return "", err
	}

	buf := make([]uint8, len8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("error reading string data: %v", err)
	}

	for len(buf) != 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}
