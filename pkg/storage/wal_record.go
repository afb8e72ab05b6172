package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// WALOp is the operation kind of a WAL entry.
type WALOp uint8

// WAL operation kinds. The set is closed: readers reject unknown values.
const (
	OpBegin WALOp = iota + 1
	OpPut
	OpDelete
	OpIndexUpdate
	OpCommit
	OpAbort
	OpSchema     // Index or constraint definition
	OpCheckpoint // Marks a store checkpoint boundary
)

// String returns the lowercase name of the op.
func (op WALOp) String() string {
	switch op {
	case OpBegin:
		return "begin"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpIndexUpdate:
		return "index-update"
	case OpCommit:
		return "commit"
	case OpAbort:
		return "abort"
	case OpSchema:
		return "schema"
	case OpCheckpoint:
		return "checkpoint"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Valid reports whether op is a declared operation kind.
func (op WALOp) Valid() bool {
	return op >= OpBegin && op <= OpCheckpoint
}

// boundary reports whether op ends a unit of work that must be durable once
// appended.
func (op WALOp) boundary() bool {
	switch op {
	case OpCommit, OpAbort, OpSchema, OpCheckpoint:
		return true
	}
	return false
}

// WALEntry is a single write-ahead log record. Entries are immutable once
// appended. Payload is always the uncompressed payload.
type WALEntry struct {
	Sequence uint64
	Op       WALOp
	Payload  []byte
	Checksum uint32
}

// On-disk record layout (little endian):
//
//	[sequence u64][op u8][flags u8][payload_len u32][header_crc u32][payload][checksum u32]
//
// header_crc is CRC32-C over the fields before it, so a damaged length is
// detected before it is used. The checksum is CRC32-C over header and stored
// payload. flagCompressed marks a zstd-compressed payload.
const (
	recordFieldsSize  = 8 + 1 + 1 + 4
	recordHeaderSize  = recordFieldsSize + 4
	recordTrailerSize = 4

	flagCompressed = 1 << 0

	// maxPayloadSize bounds a single record so a corrupt length field cannot
	// trigger a huge allocation.
	maxPayloadSize = 256 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Common WAL errors
var (
	ErrWALClosed    = errors.New("wal: closed")
	ErrTornRecord   = errors.New("wal: torn record at tail")
	ErrInvalidWALOp = errors.New("wal: invalid operation")
)

// CorruptionError reports a WAL record that is complete on disk but fails
// validation. Recovery treats it as fatal.
type CorruptionError struct {
	Segment  string
	Offset   int64
	Sequence uint64
	Reason   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record in %s at offset %d (seq %d): %s",
		e.Segment, e.Offset, e.Sequence, e.Reason)
}

func walChecksum(header, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

// encodeRecord writes a framed record to w and returns the number of bytes
// written.
func encodeRecord(w io.Writer, seq uint64, op WALOp, flags uint8, stored []byte) (int64, uint32, error) {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], seq)
	header[8] = byte(op)
	header[9] = flags
	binary.LittleEndian.PutUint32(header[10:14], uint32(len(stored)))
	binary.LittleEndian.PutUint32(header[recordFieldsSize:], crc32.Checksum(header[:recordFieldsSize], crcTable))

	sum := walChecksum(header[:], stored)
	var trailer [recordTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], sum)

	if _, err := w.Write(header[:]); err != nil {
		return 0, 0, err
	}
	if _, err := w.Write(stored); err != nil {
		return 0, 0, err
	}
	if _, err := w.Write(trailer[:]); err != nil {
		return 0, 0, err
	}
	return int64(recordHeaderSize + len(stored) + recordTrailerSize), sum, nil
}

// rawRecord is a record as read from disk, before decompression.
type rawRecord struct {
	seq      uint64
	op       WALOp
	flags    uint8
	stored   []byte
	checksum uint32
	size     int64
}

// decodeRecord reads one framed record. It returns io.EOF at a clean end of
// input and ErrTornRecord when the input ends inside a record whose header is
// intact. Any other damage, including a header that fails its checksum, is a
// *CorruptionError.
func decodeRecord(r io.Reader, segment string, offset int64) (*rawRecord, error) {
	var header [recordHeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err == io.ErrUnexpectedEOF || (err == nil && n < recordHeaderSize) {
		return nil, ErrTornRecord
	}
	if err != nil {
		return nil, err
	}

	seq := binary.LittleEndian.Uint64(header[0:8])
	want := binary.LittleEndian.Uint32(header[recordFieldsSize:])
	if got := crc32.Checksum(header[:recordFieldsSize], crcTable); got != want {
		return nil, &CorruptionError{Segment: segment, Offset: offset, Sequence: seq,
			Reason: fmt.Sprintf("header checksum mismatch (stored %08x, computed %08x)", want, got)}
	}
	length := binary.LittleEndian.Uint32(header[10:14])
	if length > maxPayloadSize {
		return nil, &CorruptionError{Segment: segment, Offset: offset, Sequence: seq,
			Reason: fmt.Sprintf("payload length %d exceeds limit", length)}
	}

	body := make([]byte, int(length)+recordTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTornRecord
		}
		return nil, err
	}

	stored := body[:length]
	want = binary.LittleEndian.Uint32(body[length:])
	if got := walChecksum(header[:], stored); got != want {
		return nil, &CorruptionError{Segment: segment, Offset: offset, Sequence: seq,
			Reason: fmt.Sprintf("checksum mismatch (stored %08x, computed %08x)", want, got)}
	}

	op := WALOp(header[8])
	if !op.Valid() {
		return nil, &CorruptionError{Segment: segment, Offset: offset, Sequence: seq,
			Reason: fmt.Sprintf("unknown operation %d", header[8])}
	}

	return &rawRecord{
		seq:      seq,
		op:       op,
		flags:    header[9],
		stored:   stored,
		checksum: want,
		size:     int64(recordHeaderSize) + int64(length) + recordTrailerSize,
	}, nil
}
