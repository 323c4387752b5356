package storagelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Field is one named value of a LogEntry.
type Field struct {
	Key   string
	Value any
}

// LogEntry describes one storage operation as an ordered list of fields.
// The zero value is an empty entry. With returns a new entry and never
// mutates the receiver, so entries can be shared between goroutines.
type LogEntry struct {
	fields []Field
}

// NewLogEntry builds an entry from fields, keeping their order.
func NewLogEntry(fields ...Field) LogEntry {
	out := make([]Field, len(fields))
	copy(out, fields)
	return LogEntry{fields: out}
}

// With returns a copy of e with key set to value. An existing key keeps its
// position; a new key is appended.
func (e LogEntry) With(key string, value any) LogEntry {
	out := make([]Field, len(e.fields), len(e.fields)+1)
	copy(out, e.fields)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return LogEntry{fields: out}
		}
	}
	return LogEntry{fields: append(out, Field{Key: key, Value: value})}
}

// Get returns the value stored under key.
func (e LogEntry) Get(key string) (any, bool) {
	for _, f := range e.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Fields returns a copy of the entry's fields.
func (e LogEntry) Fields() []Field {
	out := make([]Field, len(e.fields))
	copy(out, e.fields)
	return out
}

// Len returns the number of fields.
func (e LogEntry) Len() int { return len(e.fields) }

// Line serializes the entry as a single-line JSON object with keys in
// insertion order. Equal entries produce byte-identical lines.
func (e LogEntry) Line() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range e.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, fmt.Errorf("storagelog.LogEntry: key %q: %w", f.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := marshalValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("storagelog.LogEntry: field %q: %w", f.Key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// String returns the serialized line, or an error marker if serialization fails.
func (e LogEntry) String() string {
	line, err := e.Line()
	if err != nil {
		return fmt.Sprintf("<invalid entry: %v>", err)
	}
	return string(line)
}

// marshalValue encodes v compactly. json.Marshal escapes control characters,
// so the result never contains a raw newline.
func marshalValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case time.Time:
		return json.Marshal(t.UTC().Format(time.RFC3339Nano))
	case LogEntry:
		return t.Line()
	}
	return json.Marshal(v)
}

// WriteOperation describes an object written to the storage offers.
type WriteOperation struct {
	Tenant                int
	ObjectIdentifier      string
	ObjectGroupIdentifier string
	DataCategory          string
	Digest                string
	DigestAlgorithm       string
	Size                  int64
	Offers                []string
	Outcome               string
	RequestID             string
	ContextID             string
	ApplicationID         string
	Qualifier             string
	Version               string
	Time                  time.Time
}

// NewWriteEntry builds the conventional write-log entry for op.
func NewWriteEntry(op WriteOperation) LogEntry {
	return NewLogEntry(
		Field{"eventDateTime", op.Time},
		Field{"xRequestId", op.RequestID},
		Field{"applicationId", op.ApplicationID},
		Field{"tenantId", op.Tenant},
		Field{"objectIdentifier", op.ObjectIdentifier},
		Field{"objectGroupIdentifier", op.ObjectGroupIdentifier},
		Field{"dataCategory", op.DataCategory},
		Field{"digest", op.Digest},
		Field{"digestAlgorithm", op.DigestAlgorithm},
		Field{"size", op.Size},
		Field{"agentIdentifiers", offersOrEmpty(op.Offers)},
		Field{"contextId", op.ContextID},
		Field{"qualifier", op.Qualifier},
		Field{"version", op.Version},
		Field{"outcome", op.Outcome},
	)
}

// AccessOperation describes an object read from a storage offer.
type AccessOperation struct {
	Tenant           int
	ObjectIdentifier string
	DataCategory     string
	Offer            string
	Size             int64
	Outcome          string
	RequestID        string
	ContextID        string
	ApplicationID    string
	Qualifier        string
	Version          string
	Time             time.Time
}

// NewAccessEntry builds the conventional access-log entry for op.
func NewAccessEntry(op AccessOperation) LogEntry {
	return NewLogEntry(
		Field{"eventDateTime", op.Time},
		Field{"xRequestId", op.RequestID},
		Field{"applicationId", op.ApplicationID},
		Field{"tenantId", op.Tenant},
		Field{"objectIdentifier", op.ObjectIdentifier},
		Field{"dataCategory", op.DataCategory},
		Field{"size", op.Size},
		Field{"agentIdentifier", op.Offer},
		Field{"contextId", op.ContextID},
		Field{"qualifier", op.Qualifier},
		Field{"version", op.Version},
		Field{"outcome", op.Outcome},
	)
}

func offersOrEmpty(offers []string) []string {
	out := make([]string, len(offers))
	copy(out, offers)
	return out
}
