// Package identity keeps durable unique ids for remote resources whose
// numeric ids are only valid while the resource exists. The mapping lives
// in a small table persisted to a local file and replicated to the remote
// host.
package identity

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// DeadID is the numeric id stored for removed records.
const DeadID = -1

// RecordSize is the encoded size of one record: a 32-bit little-endian id
// followed by the 16 raw bytes of the unique id.
const RecordSize = 4 + 16

// Record correlates a numeric resource id with the unique id assigned to it.
type Record struct {
	ID   int
	UUID uuid.UUID
	Live bool
}

// Table is an ordered list of records. It is owned by one connection and
// is not safe for concurrent use.
type Table struct {
	records []Record
}

// NewTable returns a table holding a copy of recs.
func NewTable(recs []Record) *Table {
	return &Table{records: append([]Record(nil), recs...)}
}

// Len returns the number of records, dead ones included.
func (t *Table) Len() int { return len(t.records) }

// Records returns a copy of the records in table order.
func (t *Table) Records() []Record {
	return append([]Record(nil), t.records...)
}

// Lookup returns the unique id of the first live record with numeric id.
func (t *Table) Lookup(id int) (uuid.UUID, bool) {
	for _, r := range t.records {
		if r.Live && r.ID == id {
			return r.UUID, true
		}
	}
	return uuid.Nil, false
}

// Append adds a live record. Any other live record with the same numeric id
// is marked dead first, so at most one live record exists per id.
func (t *Table) Append(id int, u uuid.UUID) {
	for i := range t.records {
		if t.records[i].Live && t.records[i].ID == id && t.records[i].UUID != u {
			t.records[i] = deadRecord()
		}
	}
	for _, r := range t.records {
		if r.Live && r.ID == id {
			return
		}
	}
	t.records = append(t.records, Record{ID: id, UUID: u, Live: true})
}

// MarkDead tombstones every live record with numeric id and returns how many
// were changed.
func (t *Table) MarkDead(id int) int {
	n := 0
	for i := range t.records {
		if t.records[i].Live && t.records[i].ID == id {
			t.records[i] = deadRecord()
			n++
		}
	}
	return n
}

// Compact drops dead records.
func (t *Table) Compact() {
	live := t.records[:0]
	for _, r := range t.records {
		if r.Live {
			live = append(live, r)
		}
	}
	t.records = live
}

func deadRecord() Record {
	return Record{ID: DeadID, UUID: uuid.Nil, Live: false}
}

// MarshalBinary encodes the table image: every record as a fixed-size
// (id, uuid) pair, in table order, without header.
func (t *Table) MarshalBinary() ([]byte, error) {
	return Encode(t.records)
}

// UnmarshalBinary replaces the table's records with the decoded image.
func (t *Table) UnmarshalBinary(data []byte) error {
	recs, err := Decode(data)
	if err != nil {
		return err
	}
	t.records = recs
	return nil
}

// Encode serializes recs in the table image format.
func Encode(recs []Record) ([]byte, error) {
	buf := make([]byte, 0, len(recs)*RecordSize)
	for _, r := range recs {
		id := r.ID
		if !r.Live {
			id = DeadID
		}
		if int(int32(id)) != id {
			return nil, fmt.Errorf("numeric id %d does not fit the table image", r.ID)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(id)))
		buf = append(buf, r.UUID[:]...)
	}
	return buf, nil
}

// Decode parses a table image. Records with id DeadID decode as dead. A
// trailing partial record is an error.
func Decode(data []byte) ([]Record, error) {
	if len(data)%RecordSize != 0 {
		return nil, fmt.Errorf("table image is %d bytes, not a multiple of the %d byte record size", len(data), RecordSize)
	}
	recs := make([]Record, 0, len(data)/RecordSize)
	for off := 0; off < len(data); off += RecordSize {
		id := int(int32(binary.LittleEndian.Uint32(data[off:])))
		var u uuid.UUID
		copy(u[:], data[off+4:off+RecordSize])
		recs = append(recs, Record{ID: id, UUID: u, Live: id != DeadID})
	}
	return recs, nil
}
