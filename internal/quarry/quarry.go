package quarry

import (
	"fmt"
)

const (
	// PageSize is the fixed unit of disk I/O and caching, 4 kilobytes.
	PageSize = 4096

	// MetaPageNo is reserved in every file for file-level metadata.
	MetaPageNo PageNo = 0

	// SchemaVersion is stamped into every file meta page.
	SchemaVersion = 1
)

type (
	// FileID identifies one physical file managed by the disk manager.
	FileID uint32

	// PageNo is a zero-based page number within a single file.
	PageNo uint32

	// TableID identifies a table. It equals the FileID of the table's
	// data file so a RecordID is self-describing.
	TableID = FileID
)

// PageID is the global address of one page: file plus page number.
type PageID struct {
	FileID FileID
	PageNo PageNo
}

func (p PageID) String() string {
	return fmt.Sprintf("%d/%d", p.FileID, p.PageNo)
}

// RecordID is the stable address of a tuple: page plus slot index.
// It remains valid until the record is deleted or relocated by an
// oversized update.
type RecordID struct {
	PageID PageID
	Slot   uint16
}

func (r RecordID) String() string {
	return fmt.Sprintf("%s:%d", r.PageID, r.Slot)
}

// Table returns the table the record belongs to.
func (r RecordID) Table() TableID {
	return r.PageID.FileID
}
