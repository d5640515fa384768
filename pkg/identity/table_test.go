package identity

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	u1 = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	u2 = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
	u3 = uuid.MustParse("6ba7b812-9dad-11d1-80b4-00c04fd430c8")
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		recs []Record
	}{
		{name: "empty", recs: []Record{}},
		{name: "single", recs: []Record{{ID: 1, UUID: u1, Live: true}}},
		{
			name: "with tombstones",
			recs: []Record{
				{ID: 1, UUID: u1, Live: true},
				{ID: DeadID, UUID: uuid.Nil, Live: false},
				{ID: 5, UUID: u3, Live: true},
				{ID: DeadID, UUID: uuid.Nil, Live: false},
			},
		},
		{name: "unset unique id", recs: []Record{{ID: 9, UUID: uuid.Nil, Live: true}}},
		{name: "extreme ids", recs: []Record{{ID: math.MaxInt32, UUID: u2, Live: true}, {ID: 0, UUID: u1, Live: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.recs)
			require.NoError(t, err)
			assert.Len(t, data, len(tt.recs)*RecordSize)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.recs, got)
		})
	}
}

func TestEncode_Layout(t *testing.T) {
	data, err := Encode([]Record{{ID: 7, UUID: u1, Live: true}, {ID: DeadID, Live: false}})
	require.NoError(t, err)
	require.Len(t, data, 2*RecordSize)

	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(data[0:4]))
	assert.Equal(t, u1[:], data[4:20])
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, data[20:24])
	assert.Equal(t, make([]byte, 16), data[24:40])
}

func TestEncode_RejectsOversizedID(t *testing.T) {
	_, err := Encode([]Record{{ID: math.MaxInt32 + 1, UUID: u1, Live: true}})
	assert.Error(t, err)
}

func TestDecode_PartialRecord(t *testing.T) {
	data, err := Encode([]Record{{ID: 1, UUID: u1, Live: true}})
	require.NoError(t, err)
	_, err = Decode(append(data, 0x01, 0x02))
	assert.Error(t, err)
}

func TestTable_Lookup(t *testing.T) {
	tbl := NewTable([]Record{
		{ID: DeadID, Live: false},
		{ID: 2, UUID: u2, Live: true},
		{ID: 3, UUID: u3, Live: true},
	})

	got, ok := tbl.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, u2, got)

	_, ok = tbl.Lookup(4)
	assert.False(t, ok)

	_, ok = tbl.Lookup(DeadID)
	assert.False(t, ok, "tombstones never match")
}

func TestTable_AppendKeepsOneLivePerID(t *testing.T) {
	tbl := NewTable(nil)
	tbl.Append(7, u1)
	tbl.Append(7, u1)
	assert.Equal(t, 1, tbl.Len())

	tbl.Append(7, u2)
	got, ok := tbl.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, u2, got)

	live := 0
	for _, r := range tbl.Records() {
		if r.Live && r.ID == 7 {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 2, tbl.Len())
}

func TestTable_MarkDeadAndCompact(t *testing.T) {
	tbl := NewTable([]Record{
		{ID: 1, UUID: u1, Live: true},
		{ID: 2, UUID: u2, Live: true},
		{ID: 3, UUID: u3, Live: true},
	})

	assert.Equal(t, 1, tbl.MarkDead(2))
	assert.Equal(t, 0, tbl.MarkDead(2))
	assert.Equal(t, 0, tbl.MarkDead(42))
	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, Record{ID: DeadID, UUID: uuid.Nil, Live: false}, tbl.Records()[1])

	tbl.Compact()
	assert.Equal(t, []Record{{ID: 1, UUID: u1, Live: true}, {ID: 3, UUID: u3, Live: true}}, tbl.Records())
}

func TestTable_RecordsIsACopy(t *testing.T) {
	tbl := NewTable([]Record{{ID: 1, UUID: u1, Live: true}})
	recs := tbl.Records()
	recs[0].ID = 99
	_, ok := tbl.Lookup(1)
	assert.True(t, ok)
}

func TestTable_BinaryMarshaler(t *testing.T) {
	tbl := NewTable([]Record{{ID: 1, UUID: u1, Live: true}, {ID: DeadID}})
	data, err := tbl.MarshalBinary()
	require.NoError(t, err)

	var back Table
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, tbl.Records(), back.Records())
}
