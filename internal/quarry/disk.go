package quarry

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DBFile is the slice of *os.File the disk manager needs. Tests may
// substitute an in-memory implementation.
type DBFile interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
}

type fileKind uint8

const (
	fileKindTable fileKind = iota + 1
	fileKindIndex
)

// Meta page payload, kept on page 0 of every file:
//
//	offset size field
//	9      4    magic "QRY1"
//	13     2    schema version
//	15     1    file kind (table/index)
//	16     4    page count
//	20     4    free-list head page number, 0 terminates
//	24     4    file id
//	28     2    extra blob length
//	30     ...  extra blob (table schema or index descriptor)
const (
	metaMagic = 0x31595251 // "QRY1"

	metaOffMagic    = pageHeaderSize
	metaOffVersion  = 13
	metaOffKind     = 15
	metaOffPages    = 16
	metaOffFreeHead = 20
	metaOffFileID   = 24
	metaOffExtraLen = 28
	metaOffExtra    = 30

	// MaxMetaExtra bounds the schema/descriptor blob a file can carry.
	MaxMetaExtra = PageSize - metaOffExtra
)

type fileMeta struct {
	kind         fileKind
	pageCount    PageNo
	freeListHead PageNo
	fileID       FileID
	extra        []byte
}

type diskFile struct {
	mu   sync.Mutex
	file DBFile
	path string
	meta fileMeta
}

// DiskManager is the page I/O layer. It owns file layout, the per-file
// free list and page checksums. Every call is one physical I/O, caching
// belongs to the buffer pool above it.
type DiskManager struct {
	logger  *zap.Logger
	metrics *Metrics

	mu         sync.RWMutex
	files      map[FileID]*diskFile
	nextFileID FileID
}

func NewDiskManager(logger *zap.Logger, metrics *Metrics) *DiskManager {
	return &DiskManager{
		logger:     logger,
		metrics:    metrics,
		files:      make(map[FileID]*diskFile),
		nextFileID: 1,
	}
}

// CreateFile creates the file at path with an initialized meta page and
// registers it. The extra blob typically carries the table schema or the
// index descriptor.
func (d *DiskManager) CreateFile(path string, kind fileKind, extra []byte) (FileID, error) {
	if len(extra) > MaxMetaExtra {
		return 0, fmt.Errorf("meta extra blob of %d bytes exceeds %d", len(extra), MaxMetaExtra)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, ioFault("create file", err)
	}

	d.mu.Lock()
	fileID := d.nextFileID
	d.nextFileID++

	df := &diskFile{
		file: f,
		path: path,
		meta: fileMeta{
			kind:      kind,
			pageCount: 1,
			fileID:    fileID,
			extra:     append([]byte(nil), extra...),
		},
	}
	d.files[fileID] = df
	d.mu.Unlock()

	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.writeMeta(); err != nil {
		return 0, err
	}

	d.logger.Debug("created file",
		zap.String("path", path),
		zap.Uint32("file_id", uint32(fileID)))

	return fileID, nil
}

// OpenFile reads the meta page of an existing file and registers it under
// the file id recorded there.
func (d *DiskManager) OpenFile(path string) (FileID, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, ioFault("open file", err)
	}

	buf := make([]byte, PageSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		_ = f.Close()
		return 0, ioFault("read meta page", err)
	}
	if err := verifyPage(buf, MetaPageNo); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("meta page of %s: %w", path, err)
	}

	meta, err := unmarshalFileMeta(buf)
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("meta page of %s: %w", path, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.files[meta.fileID]; exists {
		_ = f.Close()
		return 0, fmt.Errorf("file id %d of %s already registered", meta.fileID, path)
	}
	d.files[meta.fileID] = &diskFile{file: f, path: path, meta: meta}
	if meta.fileID >= d.nextFileID {
		d.nextFileID = meta.fileID + 1
	}
	return meta.fileID, nil
}

// FileKind reports the kind recorded in the file's meta page.
func (d *DiskManager) FileKind(fileID FileID) (fileKind, error) {
	df, err := d.lookup(fileID)
	if err != nil {
		return 0, err
	}
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.meta.kind, nil
}

// Extra returns a copy of the file's meta blob.
func (d *DiskManager) Extra(fileID FileID) ([]byte, error) {
	df, err := d.lookup(fileID)
	if err != nil {
		return nil, err
	}
	df.mu.Lock()
	defer df.mu.Unlock()
	return append([]byte(nil), df.meta.extra...), nil
}

// UpdateExtra rewrites the file's meta blob, e.g. after an index root
// page change.
func (d *DiskManager) UpdateExtra(fileID FileID, extra []byte) error {
	if len(extra) > MaxMetaExtra {
		return fmt.Errorf("meta extra blob of %d bytes exceeds %d", len(extra), MaxMetaExtra)
	}
	df, err := d.lookup(fileID)
	if err != nil {
		return err
	}
	df.mu.Lock()
	defer df.mu.Unlock()
	df.meta.extra = append([]byte(nil), extra...)
	return df.writeMeta()
}

func (d *DiskManager) PageCount(fileID FileID) (PageNo, error) {
	df, err := d.lookup(fileID)
	if err != nil {
		return 0, err
	}
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.meta.pageCount, nil
}

// ReadPage reads the page into buf (PageSize bytes) and verifies its
// checksum. Unallocated and free-listed pages fail with ErrInvalidPage.
func (d *DiskManager) ReadPage(id PageID, buf []byte) error {
	df, err := d.lookup(id.FileID)
	if err != nil {
		return err
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	if id.PageNo >= df.meta.pageCount {
		return fmt.Errorf("%w: page %s beyond page count %d", ErrInvalidPage, id, df.meta.pageCount)
	}
	if _, err := df.file.ReadAt(buf[:PageSize], int64(id.PageNo)*PageSize); err != nil {
		return ioFault(fmt.Sprintf("read page %s", id), err)
	}
	if d.metrics != nil {
		d.metrics.DiskReads.Inc()
	}
	if err := verifyPage(buf, id.PageNo); err != nil {
		return fmt.Errorf("page %s: %w", id, err)
	}
	if typeOfPage(buf) == pageTypeFree {
		return fmt.Errorf("%w: page %s is on the free list", ErrInvalidPage, id)
	}
	return nil
}

// WritePage stamps the shared header (page number, checksum over the
// whole page) and writes the page in a single WriteAt, so a page is
// either fully replaced or, on a torn write, fails its checksum on the
// next read. The page type byte must already be set by the caller.
func (d *DiskManager) WritePage(id PageID, buf []byte) error {
	df, err := d.lookup(id.FileID)
	if err != nil {
		return err
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	if id.PageNo >= df.meta.pageCount {
		return fmt.Errorf("%w: page %s beyond page count %d", ErrInvalidPage, id, df.meta.pageCount)
	}
	return df.writePage(id.PageNo, buf, d.metrics)
}

// AllocatePage returns a fresh zeroed page, popping the free list if
// possible and extending the file otherwise. The page is written to disk
// with the given type before it is returned.
func (d *DiskManager) AllocatePage(fileID FileID, typ pageType) (PageID, error) {
	df, err := d.lookup(fileID)
	if err != nil {
		return PageID{}, err
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	buf := make([]byte, PageSize)
	var pageNo PageNo
	if df.meta.freeListHead != 0 {
		pageNo = df.meta.freeListHead
		if _, err := df.file.ReadAt(buf, int64(pageNo)*PageSize); err != nil {
			return PageID{}, ioFault(fmt.Sprintf("read free page %d", pageNo), err)
		}
		if err := verifyPage(buf, pageNo); err != nil {
			return PageID{}, fmt.Errorf("free page %d: %w", pageNo, err)
		}
		if typeOfPage(buf) != pageTypeFree {
			return PageID{}, fmt.Errorf("%w: free-list head %d is not a free page", ErrStructuralInconsistency, pageNo)
		}
		df.meta.freeListHead = freePageNext(buf)
	} else {
		pageNo = df.meta.pageCount
		df.meta.pageCount++
	}

	clear(buf)
	buf[pageOffType] = byte(typ)
	if err := df.writePage(pageNo, buf, d.metrics); err != nil {
		return PageID{}, err
	}
	if err := df.writeMeta(); err != nil {
		return PageID{}, err
	}

	return PageID{FileID: fileID, PageNo: pageNo}, nil
}

// FreePage pushes the page onto the file's free list. The caller must
// make sure no cached copy of the page stays usable.
func (d *DiskManager) FreePage(id PageID) error {
	if id.PageNo == MetaPageNo {
		return fmt.Errorf("%w: cannot free the meta page", ErrInvalidPage)
	}
	df, err := d.lookup(id.FileID)
	if err != nil {
		return err
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	if id.PageNo >= df.meta.pageCount {
		return fmt.Errorf("%w: page %s beyond page count %d", ErrInvalidPage, id, df.meta.pageCount)
	}

	buf := make([]byte, PageSize)
	buf[pageOffType] = byte(pageTypeFree)
	setFreePageNext(buf, df.meta.freeListHead)
	if err := df.writePage(id.PageNo, buf, d.metrics); err != nil {
		return err
	}
	df.meta.freeListHead = id.PageNo
	return df.writeMeta()
}

// Sync flushes one file to stable storage.
func (d *DiskManager) Sync(fileID FileID) error {
	df, err := d.lookup(fileID)
	if err != nil {
		return err
	}
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.file.Sync(); err != nil {
		return ioFault("sync", err)
	}
	return nil
}

// FileIDs returns the ids of all registered files.
func (d *DiskManager) FileIDs() []FileID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]FileID, 0, len(d.files))
	for id := range d.files {
		ids = append(ids, id)
	}
	return ids
}

// RemoveFile closes the file and deletes it from disk, used by drop
// table/index.
func (d *DiskManager) RemoveFile(fileID FileID) error {
	d.mu.Lock()
	df, ok := d.files[fileID]
	if ok {
		delete(d.files, fileID)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: file %d", ErrInvalidPage, fileID)
	}

	df.mu.Lock()
	defer df.mu.Unlock()
	err := df.file.Close()
	return multierr.Append(err, os.Remove(df.path))
}

func (d *DiskManager) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	for id, df := range d.files {
		df.mu.Lock()
		err = multierr.Append(err, df.file.Sync())
		err = multierr.Append(err, df.file.Close())
		df.mu.Unlock()
		delete(d.files, id)
	}
	return err
}

func (d *DiskManager) lookup(fileID FileID) (*diskFile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	df, ok := d.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown file %d", ErrInvalidPage, fileID)
	}
	return df, nil
}

// writePage stamps and writes one page, caller holds df.mu.
func (df *diskFile) writePage(pageNo PageNo, buf []byte, metrics *Metrics) error {
	stampPage(buf, typeOfPage(buf), pageNo)
	if _, err := df.file.WriteAt(buf[:PageSize], int64(pageNo)*PageSize); err != nil {
		return ioFault(fmt.Sprintf("write page %d/%d", df.meta.fileID, pageNo), err)
	}
	if metrics != nil {
		metrics.DiskWrites.Inc()
	}
	return nil
}

// writeMeta rewrites page 0, caller holds df.mu.
func (df *diskFile) writeMeta() error {
	buf := make([]byte, PageSize)
	buf[pageOffType] = byte(pageTypeMeta)
	binary.LittleEndian.PutUint32(buf[metaOffMagic:], metaMagic)
	binary.LittleEndian.PutUint16(buf[metaOffVersion:], SchemaVersion)
	buf[metaOffKind] = byte(df.meta.kind)
	binary.LittleEndian.PutUint32(buf[metaOffPages:], uint32(df.meta.pageCount))
	binary.LittleEndian.PutUint32(buf[metaOffFreeHead:], uint32(df.meta.freeListHead))
	binary.LittleEndian.PutUint32(buf[metaOffFileID:], uint32(df.meta.fileID))
	binary.LittleEndian.PutUint16(buf[metaOffExtraLen:], uint16(len(df.meta.extra)))
	copy(buf[metaOffExtra:], df.meta.extra)
	return df.writePage(MetaPageNo, buf, nil)
}

func unmarshalFileMeta(buf []byte) (fileMeta, error) {
	if binary.LittleEndian.Uint32(buf[metaOffMagic:]) != metaMagic {
		return fileMeta{}, fmt.Errorf("%w: bad magic", ErrCorruptPage)
	}
	if v := binary.LittleEndian.Uint16(buf[metaOffVersion:]); v != SchemaVersion {
		return fileMeta{}, fmt.Errorf("unsupported schema version %d", v)
	}
	meta := fileMeta{
		kind:         fileKind(buf[metaOffKind]),
		pageCount:    PageNo(binary.LittleEndian.Uint32(buf[metaOffPages:])),
		freeListHead: PageNo(binary.LittleEndian.Uint32(buf[metaOffFreeHead:])),
		fileID:       FileID(binary.LittleEndian.Uint32(buf[metaOffFileID:])),
	}
	extraLen := int(binary.LittleEndian.Uint16(buf[metaOffExtraLen:]))
	if extraLen > MaxMetaExtra {
		return fileMeta{}, fmt.Errorf("%w: extra blob length %d", ErrCorruptPage, extraLen)
	}
	meta.extra = append([]byte(nil), buf[metaOffExtra:metaOffExtra+extraLen]...)
	return meta, nil
}
