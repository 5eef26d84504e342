package persist

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hupe1980/mvccdb/blobstore"
	"github.com/hupe1980/mvccdb/internal/core"
	"github.com/hupe1980/mvccdb/internal/wal"
)

// RecoveryInfo summarizes a recovery.
type RecoveryInfo struct {
	// CheckpointTS is the persisted timestamp of the loaded checkpoint, or zero.
	CheckpointTS uint64
	// Objects is the number of objects handed to the callback.
	Objects int
	// MaxID is the highest id ever logged, including removed ones.
	MaxID core.ID
	// MaxType is the highest type id ever logged.
	MaxType core.TypeID
	// Replayed is the number of committed transactions replayed from the log.
	Replayed int
	// Discarded is the number of prepares without a commit marker.
	Discarded int
	// Torn is the number of log segments that ended in a torn frame.
	Torn int
	// Duration is the wall time of the recovery.
	Duration time.Duration
}

type commitMarker struct {
	beginTS  uint64
	commitTS uint64
}

// Recover rebuilds the newest durable state and calls fn once per live object,
// in ascending id order. It must be called exactly once, before any record is written.
func (p *Persistence) Recover(ctx context.Context, fn func(Object) error) (RecoveryInfo, error) {
	if p.closed.Load() {
		return RecoveryInfo{}, ErrClosed
	}
	if p.recovered.Load() {
		return RecoveryInfo{}, ErrAlreadyRecovered
	}
	start := time.Now()

	var info RecoveryInfo
	objects := make(map[core.ID]Object)
	var maxTS uint64

	observe := func(id core.ID, typ core.TypeID) {
		info.MaxID = max(info.MaxID, id)
		info.MaxType = max(info.MaxType, typ)
	}

	img, err := p.loadCheckpoint(ctx)
	if err != nil {
		return RecoveryInfo{}, err
	}
	if img != nil {
		info.CheckpointTS = img.ts
		info.MaxID = img.maxID
		info.MaxType = img.maxType
		maxTS = img.ts
		for _, obj := range img.objects {
			objects[obj.ID] = obj
			observe(obj.ID, obj.Type)
		}
	}

	prepares := make(map[uint64][]byte)
	var commits []commitMarker
	stats, err := wal.Replay(p.cfg.FS, p.wal.Dir(), func(_ uint64, rec *wal.Record) error {
		maxTS = max(maxTS, rec.BeginTS, rec.CommitTS)
		switch rec.Type {
		case wal.RecordPrepare:
			prepares[rec.BeginTS] = rec.Payload
		case wal.RecordCommit:
			commits = append(commits, commitMarker{beginTS: rec.BeginTS, commitTS: rec.CommitTS})
		case wal.RecordRollback:
			delete(prepares, rec.BeginTS)
		}
		return nil
	})
	if err != nil {
		return RecoveryInfo{}, fmt.Errorf("persist: replay wal: %w", err)
	}
	info.Torn = stats.Torn

	slices.SortFunc(commits, func(a, b commitMarker) int { return cmp.Compare(a.commitTS, b.commitTS) })
	for _, c := range commits {
		payload, ok := prepares[c.beginTS]
		delete(prepares, c.beginTS)
		if c.commitTS <= info.CheckpointTS {
			continue
		}
		if !ok {
			return RecoveryInfo{}, fmt.Errorf("%w: commit marker %d without prepare for begin_ts %d",
				ErrCorrupt, c.commitTS, c.beginTS)
		}
		ops, err := decodeOps(payload)
		if err != nil {
			return RecoveryInfo{}, fmt.Errorf("persist: prepare for begin_ts %d: %w", c.beginTS, err)
		}
		for _, op := range ops {
			observe(op.ID, op.Type)
			switch op.Kind {
			case OpPut:
				objects[op.ID] = Object{ID: op.ID, Type: op.Type, Payload: op.Payload}
			case OpDelete:
				delete(objects, op.ID)
			}
		}
		info.Replayed++
	}
	info.Discarded = len(prepares)

	for _, id := range slices.Sorted(maps.Keys(objects)) {
		if err := fn(objects[id]); err != nil {
			return RecoveryInfo{}, err
		}
		info.Objects++
	}

	p.base = maxTS
	p.recovered.Store(true)
	info.Duration = time.Since(start)

	p.logger.Info("recovery complete",
		"checkpoint_ts", info.CheckpointTS,
		"objects", info.Objects,
		"replayed", info.Replayed,
		"discarded", info.Discarded,
		"torn_segments", info.Torn,
		"duration", info.Duration,
	)
	return info, nil
}

func (p *Persistence) loadCheckpoint(ctx context.Context) (*image, error) {
	ptr, err := p.store.Get(ctx, CurrentName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persist: read checkpoint pointer: %w", err)
	}
	name := string(ptr)
	data, err := p.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("persist: read checkpoint %s: %w", name, err)
	}
	img, err := decodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("persist: checkpoint %s: %w", name, err)
	}
	return img, nil
}
