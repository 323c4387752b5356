package logbook

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Outcomes recorded on entries.
const (
	OutcomeOK = "OK"
	OutcomeKO = "KO"
)

// Entry is one audit event. Seq, OperationID, PrevHash and Hash are
// assigned by BulkCreate.
type Entry struct {
	Seq         uint64    `cbor:"seq" json:"seq"`
	OperationID string    `cbor:"operation_id" json:"operation_id"`
	EventType   string    `cbor:"event_type" json:"event_type"`
	Outcome     string    `cbor:"outcome" json:"outcome"`
	Tenant      int       `cbor:"tenant" json:"tenant"`
	Time        time.Time `cbor:"time" json:"time"`
	Message     string    `cbor:"message,omitempty" json:"message,omitempty"`

	// Backed-up segment, set on storage-log backup events.
	ObjectName      string    `cbor:"object_name,omitempty" json:"object_name,omitempty"`
	Strategy        string    `cbor:"strategy,omitempty" json:"strategy,omitempty"`
	Digest          string    `cbor:"digest,omitempty" json:"digest,omitempty"`
	DigestAlgorithm string    `cbor:"digest_algorithm,omitempty" json:"digest_algorithm,omitempty"`
	Size            int64     `cbor:"size,omitempty" json:"size,omitempty"`
	BeginTime       time.Time `cbor:"begin_time" json:"begin_time,omitempty"`
	EndTime         time.Time `cbor:"end_time" json:"end_time,omitempty"`

	Details map[string]string `cbor:"details,omitempty" json:"details,omitempty"`

	PrevHash []byte `cbor:"prev_hash,omitempty" json:"prev_hash,omitempty"`
	Hash     []byte `cbor:"hash,omitempty" json:"hash,omitempty"`
}

// encMode is Core Deterministic Encoding with times as RFC 3339 strings, so
// the same entry always hashes to the same bytes.
var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("logbook: CBOR encoder initialization failed: " + err.Error())
	}
}

// normalize drops location and monotonic readings so a decoded entry
// encodes to the same bytes as the one that was written.
func (e *Entry) normalize() {
	e.Time = e.Time.UTC()
	e.BeginTime = e.BeginTime.UTC()
	e.EndTime = e.EndTime.UTC()
}

// computeHash returns blake3(PrevHash || cbor(entry without Hash)).
func (e Entry) computeHash() ([]byte, error) {
	e.Hash = nil
	body, err := encMode.Marshal(e)
	if err != nil {
		return nil, err
	}
	h := blake3.New()
	h.Write(e.PrevHash)
	h.Write(body)
	return h.Sum(nil), nil
}

func encodeEntry(e Entry) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	err := cbor.Unmarshal(data, &e)
	return e, err
}
