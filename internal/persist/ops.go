package persist

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/mvccdb/internal/codec"
	"github.com/hupe1980/mvccdb/internal/conv"
	"github.com/hupe1980/mvccdb/internal/core"
)

// ErrCorrupt is returned when a prepare payload or checkpoint image cannot be decoded.
var ErrCorrupt = errors.New("persist: corrupt data")

// OpKind is the kind of a redo operation.
type OpKind uint8

const (
	// OpPut stores the full object under its id. Creates, updates and clones are puts.
	OpPut OpKind = iota + 1
	// OpDelete removes the object with the id.
	OpDelete
)

// Op is one redo operation of a prepared transaction.
type Op struct {
	Kind    OpKind
	ID      core.ID
	Type    core.TypeID
	Payload []byte
}

// Object is one object image produced by recovery or consumed by a checkpoint.
type Object struct {
	ID      core.ID
	Type    core.TypeID
	Payload []byte
}

const opHeaderSize = 1 + 8 + 4 + 4

// encodeOps lays out ops as [count u32] followed by
// [kind u8][id u64][type u32][len u32][payload] per op, then compresses the block.
func encodeOps(ops []Op, c codec.Compression) ([]byte, error) {
	size := 4
	for _, op := range ops {
		size += opHeaderSize + len(op.Payload)
	}
	raw := make([]byte, 4, size)
	count, err := conv.Len32(len(ops))
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(raw, count)
	for _, op := range ops {
		n, err := conv.Len32(len(op.Payload))
		if err != nil {
			return nil, err
		}
		raw = append(raw, byte(op.Kind))
		raw = binary.LittleEndian.AppendUint64(raw, uint64(op.ID))
		raw = binary.LittleEndian.AppendUint32(raw, uint32(op.Type))
		raw = binary.LittleEndian.AppendUint32(raw, n)
		raw = append(raw, op.Payload...)
	}
	return codec.Encode(nil, raw, c)
}

func decodeOps(block []byte) ([]Op, error) {
	raw, _, err := codec.Decode(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: short op block", ErrCorrupt)
	}
	count := binary.LittleEndian.Uint32(raw)
	raw = raw[4:]

	ops := make([]Op, 0, count)
	for range count {
		if len(raw) < opHeaderSize {
			return nil, fmt.Errorf("%w: truncated op header", ErrCorrupt)
		}
		op := Op{
			Kind: OpKind(raw[0]),
			ID:   core.ID(binary.LittleEndian.Uint64(raw[1:])),
			Type: core.TypeID(binary.LittleEndian.Uint32(raw[9:])),
		}
		n := int(binary.LittleEndian.Uint32(raw[13:]))
		raw = raw[opHeaderSize:]
		if op.Kind != OpPut && op.Kind != OpDelete {
			return nil, fmt.Errorf("%w: op kind %d", ErrCorrupt, op.Kind)
		}
		if n > len(raw) {
			return nil, fmt.Errorf("%w: op payload of %d bytes, %d left", ErrCorrupt, n, len(raw))
		}
		op.Payload = append([]byte(nil), raw[:n]...)
		raw = raw[n:]
		ops = append(ops, op)
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(raw))
	}
	return ops, nil
}
