package apkmanifest

import (
	"archive/zip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/klauspost/compress/flate"
)

type apkFileEntry struct {
	offset int64
	method uint16
}

// ApkZip reads the zip container of an APK. Unlike archive/zip it also
// handles broken or crafted archives that Android itself accepts, by falling
// back to scanning for local file headers.
type ApkZip struct {
	// File maps cleaned entry names to their reader. A name can stand for
	// several actual entries in a crafted archive; ApkFile.Next iterates them.
	File map[string]*ApkFile

	reader    io.ReadSeeker
	ownedFile *os.File
}

// ApkFile is a single named entry of an ApkZip, possibly backed by several
// physical entries of the same name.
type ApkFile struct {
	Name string

	zipFile        io.ReadSeeker
	internalReader io.Reader
	internalCloser io.Closer

	zipEntry *zip.File

	entries  []apkFileEntry
	curEntry int
}

// Open prepares the entry for reading. Iterate the physical entries with
// for f.Next() { f.Read()... }.
func (f *ApkFile) Open() error {
	if f.internalReader != nil {
		return errors.New("file is already opened")
	}

	if f.zipEntry != nil {
		rc, err := f.zipEntry.Open()
		if err != nil {
			return err
		}
		f.curEntry = 0
		f.internalReader = rc
		f.internalCloser = rc
	} else {
		f.curEntry = -1
	}

	return nil
}

// Read reads from the current physical entry. It returns io.EOF at the end of
// the entry; another entry of the same name may still follow, check with Next.
func (f *ApkFile) Read(p []byte) (int, error) {
	if f.internalReader == nil {
		if f.curEntry == -1 && !f.Next() {
			return 0, io.ErrUnexpectedEOF
		}

		if f.curEntry >= len(f.entries) {
			return 0, io.ErrUnexpectedEOF
		}

		if _, err := f.zipFile.Seek(f.entries[f.curEntry].offset, io.SeekStart); err != nil {
			return 0, err
		}

		switch f.entries[f.curEntry].method {
		case zip.Store:
			f.internalReader = f.zipFile
		default: // Android treats any other method as deflate
			rc := flate.NewReader(f.zipFile)
			f.internalReader = rc
			f.internalCloser = rc
		}
	}
	return f.internalReader.Read(p)
}

// Next moves to the next physical entry under this name. It returns false
// when there are no more.
func (f *ApkFile) Next() bool {
	if len(f.entries) == 0 && f.internalReader != nil {
		f.curEntry++
		return f.curEntry == 1
	}

	f.Close()

	if f.curEntry+1 >= len(f.entries) {
		return false
	}
	f.curEntry++
	return true
}

// Close closes the currently opened physical entry.
func (f *ApkFile) Close() error {
	if f.internalReader != nil {
		if f.internalCloser != nil {
			f.internalCloser.Close()
			f.internalCloser = nil
		}
		f.internalReader = nil
	}
	return nil
}

// Close closes the archive and all of its entries.
func (z *ApkZip) Close() error {
	if z.reader == nil {
		return nil
	}

	for _, f := range z.File {
		f.Close()
	}

	var err error
	if z.ownedFile != nil {
		err = z.ownedFile.Close()
		z.ownedFile = nil
	}

	z.reader = nil
	return err
}

type readAtWrapper struct {
	io.ReadSeeker
}

func (wr *readAtWrapper) ReadAt(b []byte, off int64) (n int, err error) {
	if readerAt, ok := wr.ReadSeeker.(io.ReaderAt); ok {
		return readerAt.ReadAt(b, off)
	}

	oldpos, err := wr.Seek(off, io.SeekCurrent)
	if err != nil {
		return
	}

	if _, err = wr.Seek(off, io.SeekStart); err != nil {
		return
	}

	if n, err = wr.Read(b); err != nil {
		return
	}

	_, err = wr.Seek(oldpos, io.SeekStart)
	return
}

// OpenApk opens the APK at path for reading.
func OpenApk(path string) (z *ApkZip, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	z, err = OpenApkReader(f)
	if err != nil {
		f.Close()
	} else {
		z.ownedFile = f
	}
	return
}

// OpenApkReader opens an APK zip from r. It may Seek r to arbitrary
// positions.
func OpenApkReader(r io.ReadSeeker) (z *ApkZip, err error) {
	z = &ApkZip{
		File:   make(map[string]*ApkFile),
		reader: r,
	}

	f := &readAtWrapper{r}

	zipinfo, err := tryReadZip(f)
	if err == nil {
		for i, zf := range zipinfo.File {
			if zf.Method != zip.Store && zf.Method != zip.Deflate {
				// Android treats unknown methods as deflate, except for the
				// entries ZipAssetsProvider maps directly.
				switch zf.Name {
				case "AndroidManifest.xml", "resources.arsc":
					zipinfo.File[i].Method = zip.Store
					zipinfo.File[i].CompressedSize64 = zipinfo.File[i].UncompressedSize64
				default:
					zipinfo.File[i].Method = zip.Deflate
				}
			}

			cl := path.Clean(zf.Name)
			if z.File[cl] == nil {
				z.File[cl] = &ApkFile{
					Name:     cl,
					zipFile:  f,
					zipEntry: zf,
				}
			}
		}
		return
	}

	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return
	}

	var off int64
	for {
		off, err = findNextFileHeader(f)
		if off == -1 || err != nil {
			return
		}

		var nameLen, extraLen, method uint16
		if _, err = f.Seek(off+8, io.SeekStart); err != nil {
			return
		}

		if err = binary.Read(f, binary.LittleEndian, &method); err != nil {
			return
		}

		if _, err = f.Seek(off+26, io.SeekStart); err != nil {
			return
		}

		if err = binary.Read(f, binary.LittleEndian, &nameLen); err != nil {
			return
		}

		if err = binary.Read(f, binary.LittleEndian, &extraLen); err != nil {
			return
		}

		buf := make([]byte, nameLen)
		if _, err = f.ReadAt(buf, off+30); err != nil {
			return
		}

		fileName := path.Clean(string(buf))
		fileOffset := off + 30 + int64(nameLen) + int64(extraLen)

		zf := z.File[fileName]
		if zf == nil {
			zf = &ApkFile{
				Name:     fileName,
				zipFile:  f,
				curEntry: -1,
			}
			z.File[fileName] = zf
		}

		// Later entries shadow earlier ones on Android, so prepend.
		zf.entries = append([]apkFileEntry{{
			offset: fileOffset,
			method: method,
		}}, zf.entries...)

		if _, err = f.Seek(off+4, io.SeekStart); err != nil {
			return
		}
	}
}

func tryReadZip(f *readAtWrapper) (r *zip.Reader, err error) {
	defer func() {
		if pn := recover(); pn != nil {
			err = fmt.Errorf("%v", pn)
			r = nil
		}
	}()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return
	}

	r, err = zip.NewReader(f, size)
	if err != nil {
		return
	}

	r.RegisterDecompressor(zip.Deflate, newFlateReader)
	return
}

func findNextFileHeader(f io.ReadSeeker) (offset int64, err error) {
	start, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1, err
	}
	defer func() {
		if _, serr := f.Seek(start, io.SeekStart); serr != nil && err == nil {
			err = serr
		}
	}()

	buf := make([]byte, 64*1024)
	toCmp := []byte{0x50, 0x4B, 0x03, 0x04}

	ok := 0
	offset = start

	for {
		n, err := f.Read(buf)
		if err != nil && err != io.EOF {
			return -1, err
		}

		if n == 0 {
			return -1, nil
		}

		for i := 0; i < n; i++ {
			if buf[i] == toCmp[ok] {
				ok++
				if ok == len(toCmp) {
					offset += int64(i) - int64(len(toCmp)-1)
					return offset, nil
				}
			} else {
				ok = 0
			}
		}

		offset += int64(n)
	}
}

var flateReaderPool sync.Pool

func newFlateReader(r io.Reader) io.ReadCloser {
	fr, ok := flateReaderPool.Get().(io.ReadCloser)
	if ok {
		fr.(flate.Resetter).Reset(r, nil)
	} else {
		fr = flate.NewReader(r)
	}
	return &pooledFlateReader{fr: fr}
}

type pooledFlateReader struct {
	mu sync.Mutex // guards Close and Read
	fr io.ReadCloser
}

func (r *pooledFlateReader) Read(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0, errors.New("read after Close")
	}
	return r.fr.Read(p)
}

func (r *pooledFlateReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.fr != nil {
		err = r.fr.Close()
		flateReaderPool.Put(r.fr)
		r.fr = nil
	}
	return err
}
