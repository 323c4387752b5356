package storage

import (
	"fmt"

	"github.com/archivelog/archivelog/pkg/storagelog"
)

// DataCategory classifies stored objects. Each category lives in its own
// folder on every offer.
type DataCategory string

const (
	Object           DataCategory = "OBJECT"
	Unit             DataCategory = "UNIT"
	ObjectGroup      DataCategory = "OBJECTGROUP"
	Manifest         DataCategory = "MANIFEST"
	StorageLog       DataCategory = "STORAGELOG"
	StorageAccessLog DataCategory = "STORAGEACCESSLOG"
)

var categories = map[DataCategory]bool{
	Object: true, Unit: true, ObjectGroup: true,
	Manifest: true, StorageLog: true, StorageAccessLog: true,
}

// ParseDataCategory accepts the upper-case category names.
func ParseDataCategory(s string) (DataCategory, error) {
	c := DataCategory(s)
	if !categories[c] {
		return "", fmt.Errorf("storage: unknown data category %q", s)
	}
	return c, nil
}

// CategoryForLog returns the data category backups of a log category are
// stored under.
func CategoryForLog(cat storagelog.Category) DataCategory {
	if cat.IsWrite() {
		return StorageLog
	}
	return StorageAccessLog
}

// IsStorageLog reports whether objects of c are storage-log backups. Writes
// and reads of those are not journaled themselves.
func (c DataCategory) IsStorageLog() bool {
	return c == StorageLog || c == StorageAccessLog
}

// Folder returns the per-tenant folder of c on an offer.
func (c DataCategory) Folder(tenant int) string {
	return fmt.Sprintf("%d_%s", tenant, c)
}
