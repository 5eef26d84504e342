package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/mvccdb/internal/hash"
)

// RecordType identifies a WAL record.
type RecordType uint8

const (
	// RecordPrepare carries the redo payload of a transaction about to submit.
	RecordPrepare RecordType = 1
	// RecordCommit marks a prepared transaction as committed at CommitTS.
	RecordCommit RecordType = 2
	// RecordRollback marks a prepared transaction as aborted.
	RecordRollback RecordType = 3
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "prepare"
	case RecordCommit:
		return "commit"
	case RecordRollback:
		return "rollback"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

const (
	recordHeaderSize = 25
	// MaxPayloadSize bounds a single record payload.
	MaxPayloadSize = 256 << 20
)

var (
	ErrChecksum       = errors.New("wal: record checksum mismatch")
	ErrInvalidType    = errors.New("wal: invalid record type")
	ErrRecordTooLarge = errors.New("wal: record too large")
)

// Record is one WAL entry. BeginTS keys a transaction across its prepare and
// marker records.
type Record struct {
	Type     RecordType
	BeginTS  uint64
	CommitTS uint64
	Payload  []byte
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return recordHeaderSize + len(r.Payload)
}

// AppendTo appends the encoded record to dst.
func (r *Record) AppendTo(dst []byte) []byte {
	start := len(dst)
	var hdr [recordHeaderSize]byte
	hdr[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(hdr[5:], r.BeginTS)
	binary.LittleEndian.PutUint64(hdr[13:], r.CommitTS)
	binary.LittleEndian.PutUint32(hdr[21:], uint32(len(r.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, r.Payload...)

	sum := hash.CRC32C(dst[start+4:])
	binary.LittleEndian.PutUint32(dst[start:], sum)
	return dst
}

// Decode reads one record from r and returns it with the number of bytes consumed.
// A frame cut short returns io.ErrUnexpectedEOF; a clean end returns io.EOF.
func Decode(r io.Reader) (*Record, int64, error) {
	var hdr [recordHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, 0, io.EOF
		}
		return nil, int64(n), io.ErrUnexpectedEOF
	}

	length := binary.LittleEndian.Uint32(hdr[21:])
	if length > MaxPayloadSize {
		return nil, recordHeaderSize, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, recordHeaderSize, io.ErrUnexpectedEOF
	}
	consumed := int64(recordHeaderSize) + int64(length)

	sum := hash.UpdateCRC32C(hash.CRC32C(hdr[4:]), payload)
	if sum != binary.LittleEndian.Uint32(hdr[0:]) {
		return nil, consumed, ErrChecksum
	}

	rec := &Record{
		Type:     RecordType(hdr[4]),
		BeginTS:  binary.LittleEndian.Uint64(hdr[5:]),
		CommitTS: binary.LittleEndian.Uint64(hdr[13:]),
		Payload:  payload,
	}
	switch rec.Type {
	case RecordPrepare, RecordCommit, RecordRollback:
		return rec, consumed, nil
	default:
		return nil, consumed, fmt.Errorf("%w: %d", ErrInvalidType, hdr[4])
	}
}
