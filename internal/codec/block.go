package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects a block compression algorithm.
type Compression uint8

const (
	// None stores blocks raw.
	None Compression = iota
	// LZ4 favours speed. Used for WAL payloads.
	LZ4
	// Zstd favours ratio. Used for checkpoint images.
	Zstd
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// HeaderSize is the size of a block header.
const HeaderSize = 9

var (
	// ErrCorrupt is returned when a block cannot be decoded.
	ErrCorrupt = errors.New("codec: corrupt block")
	// ErrUnknownCompression is returned for an unsupported algorithm tag.
	ErrUnknownCompression = errors.New("codec: unknown compression")
)

var (
	zstdEncoders = sync.Pool{New: func() any {
		enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return enc
	}}
	zstdDecoders = sync.Pool{New: func() any {
		dec, _ := zstd.NewReader(nil)
		return dec
	}}
)

// Encode appends the compressed block for data to dst.
func Encode(dst, data []byte, c Compression) ([]byte, error) {
	var packed []byte
	switch c {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4: %w", err)
		}
		packed = buf[:n]
	case Zstd:
		enc := zstdEncoders.Get().(*zstd.Encoder)
		packed = enc.EncodeAll(data, nil)
		zstdEncoders.Put(enc)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}

	algo := c
	if len(packed) == 0 || float64(len(packed)) > float64(len(data))*0.9 {
		algo, packed = None, data
	}

	var hdr [HeaderSize]byte
	hdr[0] = byte(algo)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(data)))
	binary.LittleEndian.PutUint32(hdr[5:], uint32(len(packed)))
	dst = append(dst, hdr[:]...)
	return append(dst, packed...), nil
}

// Decode decodes the block at the start of src and returns the data and the
// number of bytes consumed. Raw blocks alias src.
func Decode(src []byte) ([]byte, int, error) {
	if len(src) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	algo := Compression(src[0])
	size := binary.LittleEndian.Uint32(src[1:])
	stored := binary.LittleEndian.Uint32(src[5:])
	end := HeaderSize + int(stored)
	if end > len(src) {
		return nil, 0, fmt.Errorf("%w: %d stored bytes, %d available", ErrCorrupt, stored, len(src)-HeaderSize)
	}
	body := src[HeaderSize:end]

	switch algo {
	case None:
		if stored != size {
			return nil, 0, fmt.Errorf("%w: raw block size mismatch", ErrCorrupt)
		}
		return body, end, nil
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: lz4: %w", ErrCorrupt, err)
		}
		if n != int(size) {
			return nil, 0, fmt.Errorf("%w: lz4 size mismatch", ErrCorrupt)
		}
		return out, end, nil
	case Zstd:
		dec := zstdDecoders.Get().(*zstd.Decoder)
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		zstdDecoders.Put(dec)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: zstd: %w", ErrCorrupt, err)
		}
		if len(out) != int(size) {
			return nil, 0, fmt.Errorf("%w: zstd size mismatch", ErrCorrupt)
		}
		return out, end, nil
	default:
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownCompression, algo)
	}
}
