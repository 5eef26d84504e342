package persist

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/mvccdb/internal/codec"
	"github.com/hupe1980/mvccdb/internal/conv"
	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/hash"
)

const (
	// CurrentName is the blob that names the newest complete checkpoint.
	CurrentName = "CURRENT"

	checkpointPrefix = "checkpoint-"
	checkpointSuffix = ".ckpt"

	imageMagic      = "MVCCCKPT"
	imageVersion    = 1
	imageHeaderSize = 8 + 4 + 4 + 8 + 8 + 8 + 4 + 4
	objectHeader    = 8 + 4 + 4
)

// CheckpointName returns the blob name of the checkpoint taken at persisted timestamp ts.
func CheckpointName(ts uint64) string {
	return fmt.Sprintf("%s%020d%s", checkpointPrefix, ts, checkpointSuffix)
}

// Snapshot is a consistent view handed to a checkpoint.
type Snapshot struct {
	// TS is the begin timestamp of the snapshot transaction.
	TS core.Timestamp
	// MaxID is the highest id handed out when the snapshot began.
	MaxID core.ID
	// Objects yields every object visible at TS.
	Objects iter.Seq[Object]
}

// CheckpointInfo summarizes a checkpoint.
type CheckpointInfo struct {
	Name            string
	TS              core.Timestamp
	Objects         int
	Shards          int
	Bytes           int
	SegmentsRemoved int
	Duration        time.Duration
}

// Checkpoint writes an image of one snapshot and drops the log segments it covers.
//
// The log is rotated before view is called, so every record in an older segment
// was written before the snapshot began. view must begin its snapshot transaction,
// call write exactly once, and end the transaction after write returns.
func (p *Persistence) Checkpoint(ctx context.Context, view func(write func(Snapshot) error) error) (CheckpointInfo, error) {
	if err := p.ready(); err != nil {
		return CheckpointInfo{}, err
	}
	p.checkpointMu.Lock()
	defer p.checkpointMu.Unlock()
	start := time.Now()

	rotation, err := p.wal.Rotate()
	if err != nil {
		return CheckpointInfo{}, fmt.Errorf("persist: rotate wal: %w", err)
	}

	var info CheckpointInfo
	written := false
	err = view(func(snap Snapshot) error {
		if written {
			return fmt.Errorf("persist: checkpoint snapshot written twice")
		}
		written = true
		info, err = p.writeImage(ctx, snap)
		return err
	})
	if err != nil {
		return CheckpointInfo{}, err
	}
	if !written {
		return CheckpointInfo{}, fmt.Errorf("persist: checkpoint view wrote no snapshot")
	}

	// Transactions committed before the snapshot are in the image. The rest keep
	// the segments holding their prepares.
	p.gate.Lock()
	p.mu.Lock()
	low := rotation
	for beginTS, txn := range p.pending {
		if txn.commitTS.IsValid() && txn.commitTS < info.TS {
			delete(p.pending, beginTS)
			continue
		}
		low = min(low, txn.segment)
	}
	p.mu.Unlock()
	p.gate.Unlock()

	info.SegmentsRemoved, err = p.wal.RemoveBefore(low)
	if err != nil {
		p.logger.Warn("failed to remove covered wal segments", "before", low, "error", err)
	}
	p.pruneCheckpoints(ctx, info.Name)

	info.Duration = time.Since(start)
	p.logger.Info("checkpoint complete",
		"name", info.Name,
		"objects", info.Objects,
		"shards", info.Shards,
		"bytes", info.Bytes,
		"segments_removed", info.SegmentsRemoved,
		"duration", info.Duration,
	)
	return info, nil
}

type shard struct {
	raw     []byte
	encoded []byte
}

func (p *Persistence) writeImage(ctx context.Context, snap Snapshot) (CheckpointInfo, error) {
	ctrl := p.cfg.Controller
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, ctrl.MaxWorkers()))

	var shards []*shard
	var maxType core.TypeID
	count := 0

	flush := func(raw []byte) {
		s := &shard{raw: raw}
		shards = append(shards, s)
		g.Go(func() error {
			if err := ctrl.AcquireWorker(gctx); err != nil {
				return err
			}
			defer ctrl.ReleaseWorker()
			enc, err := codec.Encode(nil, s.raw, codec.Zstd)
			if err != nil {
				return err
			}
			s.encoded, s.raw = enc, nil
			return nil
		})
	}

	var cur []byte
	for obj := range snap.Objects {
		n, err := conv.Len32(len(obj.Payload))
		if err != nil {
			_ = g.Wait()
			return CheckpointInfo{}, err
		}
		cur = binary.LittleEndian.AppendUint64(cur, uint64(obj.ID))
		cur = binary.LittleEndian.AppendUint32(cur, uint32(obj.Type))
		cur = binary.LittleEndian.AppendUint32(cur, n)
		cur = append(cur, obj.Payload...)
		maxType = max(maxType, obj.Type)
		count++
		if len(cur) >= p.cfg.ShardSize {
			flush(cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		flush(cur)
	}
	if err := g.Wait(); err != nil {
		return CheckpointInfo{}, fmt.Errorf("persist: compress checkpoint: %w", err)
	}

	ts := p.persisted(snap.TS)
	size := imageHeaderSize + 4
	for _, s := range shards {
		size += 4 + len(s.encoded)
	}
	img := make([]byte, 0, size)
	img = append(img, imageMagic...)
	img = binary.LittleEndian.AppendUint32(img, imageVersion)
	img = binary.LittleEndian.AppendUint32(img, uint32(len(shards)))
	img = binary.LittleEndian.AppendUint64(img, ts)
	img = binary.LittleEndian.AppendUint64(img, uint64(count))
	img = binary.LittleEndian.AppendUint64(img, uint64(snap.MaxID))
	img = binary.LittleEndian.AppendUint32(img, uint32(maxType))
	img = binary.LittleEndian.AppendUint32(img, 0)
	for _, s := range shards {
		img = binary.LittleEndian.AppendUint32(img, uint32(len(s.encoded)))
		img = append(img, s.encoded...)
	}
	img = binary.LittleEndian.AppendUint32(img, hash.CRC32C(img))

	if err := ctrl.AcquireIO(ctx, len(img)); err != nil {
		return CheckpointInfo{}, err
	}
	name := CheckpointName(ts)
	if err := p.store.Put(ctx, name, img); err != nil {
		return CheckpointInfo{}, fmt.Errorf("persist: upload checkpoint %s: %w", name, err)
	}
	if err := p.store.Put(ctx, CurrentName, []byte(name)); err != nil {
		return CheckpointInfo{}, fmt.Errorf("persist: publish checkpoint %s: %w", name, err)
	}

	return CheckpointInfo{
		Name:    name,
		TS:      snap.TS,
		Objects: count,
		Shards:  len(shards),
		Bytes:   len(img),
	}, nil
}

// pruneCheckpoints deletes every image except keep. Failures only leave garbage behind.
func (p *Persistence) pruneCheckpoints(ctx context.Context, keep string) {
	names, err := p.store.List(ctx, checkpointPrefix)
	if err != nil {
		p.logger.Warn("failed to list checkpoints", "error", err)
		return
	}
	for _, name := range names {
		if name == keep || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		if err := p.store.Delete(ctx, name); err != nil {
			p.logger.Warn("failed to delete old checkpoint", "name", name, "error", err)
		}
	}
}

type image struct {
	ts      uint64
	maxID   core.ID
	maxType core.TypeID
	objects []Object
}

func decodeImage(data []byte) (*image, error) {
	if len(data) < imageHeaderSize+4 {
		return nil, fmt.Errorf("%w: image of %d bytes", ErrCorrupt, len(data))
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if hash.CRC32C(body) != sum {
		return nil, fmt.Errorf("%w: image checksum mismatch", ErrCorrupt)
	}
	if string(body[:8]) != imageMagic {
		return nil, fmt.Errorf("%w: bad image magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(body[8:]); v != imageVersion {
		return nil, fmt.Errorf("%w: image version %d", ErrCorrupt, v)
	}
	shards := binary.LittleEndian.Uint32(body[12:])
	img := &image{
		ts:      binary.LittleEndian.Uint64(body[16:]),
		maxID:   core.ID(binary.LittleEndian.Uint64(body[32:])),
		maxType: core.TypeID(binary.LittleEndian.Uint32(body[40:])),
	}
	count := binary.LittleEndian.Uint64(body[24:])
	hint, err := conv.Uint64ToInt(min(count, uint64(len(body))/objectHeader))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	img.objects = make([]Object, 0, hint)

	rest := body[imageHeaderSize:]
	for range shards {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: truncated shard header", ErrCorrupt)
		}
		n := int(binary.LittleEndian.Uint32(rest))
		rest = rest[4:]
		if n > len(rest) {
			return nil, fmt.Errorf("%w: shard of %d bytes, %d left", ErrCorrupt, n, len(rest))
		}
		raw, _, err := codec.Decode(rest[:n])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		rest = rest[n:]
		if img.objects, err = decodeObjects(img.objects, raw); err != nil {
			return nil, err
		}
	}
	if uint64(len(img.objects)) != count {
		return nil, fmt.Errorf("%w: image holds %d objects, header says %d", ErrCorrupt, len(img.objects), count)
	}
	return img, nil
}

func decodeObjects(dst []Object, raw []byte) ([]Object, error) {
	for len(raw) > 0 {
		if len(raw) < objectHeader {
			return nil, fmt.Errorf("%w: truncated object header", ErrCorrupt)
		}
		obj := Object{
			ID:   core.ID(binary.LittleEndian.Uint64(raw)),
			Type: core.TypeID(binary.LittleEndian.Uint32(raw[8:])),
		}
		n := int(binary.LittleEndian.Uint32(raw[12:]))
		raw = raw[objectHeader:]
		if n > len(raw) {
			return nil, fmt.Errorf("%w: object %d payload of %d bytes, %d left", ErrCorrupt, obj.ID, n, len(raw))
		}
		obj.Payload = append([]byte(nil), raw[:n]...)
		raw = raw[n:]
		dst = append(dst, obj)
	}
	return dst, nil
}
