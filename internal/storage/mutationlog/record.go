// Package mutationlog implements the append-only key log used for warmup
// and the access log sharing its block format. Records are chunked into
// fixed-size blocks sealed by a checksum; two records, commit1 then
// commit2, delimit each durable batch.
package mutationlog

import (
	"encoding/binary"
	"fmt"
)

// RecordType tags one log record.
type RecordType uint8

const (
	// RecNew records a row insert or update. Carries key and row id.
	RecNew RecordType = iota + 1
	// RecDel records a deletion. Carries the key; an empty key
	// invalidates the whole vbucket.
	RecDel
	// RecCommit1 seals the records of the current batch.
	RecCommit1
	// RecCommit2 confirms the downstream store committed the batch.
	RecCommit2
)

// String returns the record type name.
func (t RecordType) String() string {
	switch t {
	case RecNew:
		return "new"
	case RecDel:
		return "del"
	case RecCommit1:
		return "commit1"
	case RecCommit2:
		return "commit2"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Record is one mutation log entry. RowID is meaningful only for RecNew.
type Record struct {
	Type      RecordType
	VBucketID uint16
	Key       string
	RowID     int64
}

// encodedSize returns the on-disk size of the record:
// type u8 | vb u16 | key-len u16 | key | row-id i64 (new only).
func (r *Record) encodedSize() int {
	n := 1 + 2 + 2 + len(r.Key)
	if r.Type == RecNew {
		n += 8
	}
	return n
}

// appendTo encodes the record onto buf.
func (r *Record) appendTo(buf []byte) []byte {
	buf = append(buf, byte(r.Type))
	buf = binary.LittleEndian.AppendUint16(buf, r.VBucketID)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Key)))
	buf = append(buf, r.Key...)
	if r.Type == RecNew {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.RowID))
	}
	return buf
}

// parseRecord decodes one record from buf, returning the record and the
// number of bytes consumed.
func parseRecord(buf []byte) (Record, int, error) {
	if len(buf) < 5 {
		return Record{}, 0, fmt.Errorf("truncated record header: %d bytes", len(buf))
	}
	r := Record{
		Type:      RecordType(buf[0]),
		VBucketID: binary.LittleEndian.Uint16(buf[1:3]),
	}
	keyLen := int(binary.LittleEndian.Uint16(buf[3:5]))
	n := 5 + keyLen
	if len(buf) < n {
		return Record{}, 0, fmt.Errorf("truncated record key: want %d bytes, have %d", n, len(buf))
	}
	r.Key = string(buf[5:n])
	if r.Type == RecNew {
		if len(buf) < n+8 {
			return Record{}, 0, fmt.Errorf("truncated row id: want %d bytes, have %d", n+8, len(buf))
		}
		r.RowID = int64(binary.LittleEndian.Uint64(buf[n : n+8]))
		n += 8
	}
	switch r.Type {
	case RecNew, RecDel, RecCommit1, RecCommit2:
	default:
		return Record{}, 0, fmt.Errorf("invalid record type %d", buf[0])
	}
	return r, n, nil
}
