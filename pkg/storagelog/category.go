package storagelog

import "fmt"

// Category selects which operation log a segment belongs to.
type Category int

const (
	// Write is the log of every write performed against the storage offers.
	Write Category = iota
	// Access is the log of every object read.
	Access
)

// Categories lists every log category in a stable order.
var Categories = []Category{Write, Access}

// CategoryFor maps the administration-API flag to a category.
func CategoryFor(isWriteOperation bool) Category {
	if isWriteOperation {
		return Write
	}
	return Access
}

// String returns the operator-facing name used in error messages and logbook events.
func (c Category) String() string {
	switch c {
	case Write:
		return "StorageLog"
	case Access:
		return "StorageAccessLog"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Dir returns the sub-directory holding this category's segments.
func (c Category) Dir() string {
	switch c {
	case Write:
		return "storagelog"
	case Access:
		return "storageaccesslog"
	default:
		return fmt.Sprintf("category-%d", int(c))
	}
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	if !c.valid() {
		return nil, fmt.Errorf("storagelog: invalid category %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText accepts the names produced by String.
func (c *Category) UnmarshalText(text []byte) error {
	switch string(text) {
	case "StorageLog":
		*c = Write
	case "StorageAccessLog":
		*c = Access
	default:
		return fmt.Errorf("storagelog: unknown category %q", text)
	}
	return nil
}

// IsWrite reports whether c is the write-operation log.
func (c Category) IsWrite() bool { return c == Write }

func (c Category) valid() bool { return c == Write || c == Access }
