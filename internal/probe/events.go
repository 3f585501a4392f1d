package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/phuslu/log"

	"runqlat_exporter/internal/logger"
	"runqlat_exporter/internal/sched"
)

// RecordSize is the size of one forwarded event:
// u64 ts, then kind, cpu, pid, tgid, prev_pid, prev_tgid, prev_state, pad as u32.
const RecordSize = 40

// ErrShortRecord is returned for a ring buffer sample smaller than RecordSize.
var ErrShortRecord = errors.New("short event record")

// DecodeRecord parses a raw sample in host byte order.
func DecodeRecord(raw []byte, rec *sched.Record) error {
	if len(raw) < RecordSize {
		return fmt.Errorf("%w: %d bytes", ErrShortRecord, len(raw))
	}
	ne := binary.NativeEndian
	rec.Time = ne.Uint64(raw[0:8])
	rec.Kind = sched.Kind(ne.Uint32(raw[8:12]))
	rec.CPU = ne.Uint32(raw[12:16])
	rec.Pid = ne.Uint32(raw[16:20])
	rec.Tgid = ne.Uint32(raw[20:24])
	rec.PrevPid = ne.Uint32(raw[24:28])
	rec.PrevTgid = ne.Uint32(raw[28:32])
	rec.PrevState = ne.Uint32(raw[32:36])
	return nil
}

// EncodeRecord is the inverse of DecodeRecord. buf must hold RecordSize bytes.
func EncodeRecord(buf []byte, rec *sched.Record) {
	ne := binary.NativeEndian
	ne.PutUint64(buf[0:8], rec.Time)
	ne.PutUint32(buf[8:12], uint32(rec.Kind))
	ne.PutUint32(buf[12:16], rec.CPU)
	ne.PutUint32(buf[16:20], rec.Pid)
	ne.PutUint32(buf[20:24], rec.Tgid)
	ne.PutUint32(buf[24:28], rec.PrevPid)
	ne.PutUint32(buf[28:32], rec.PrevTgid)
	ne.PutUint32(buf[32:36], rec.PrevState)
	ne.PutUint32(buf[36:40], 0)
}

// EventReader consumes forwarded scheduler events from the ring buffer.
type EventReader struct {
	rd  *ringbuf.Reader
	log log.Logger

	malformed atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// NewEventReader opens a reader on a ring buffer map.
func NewEventReader(m *ebpf.Map) (*EventReader, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("open ring buffer: %w", err)
	}
	return &EventReader{
		rd:  rd,
		log: logger.NewLoggerWithContext("event_reader"),
	}, nil
}

// Run reads records until ctx is cancelled or the reader is closed, handing
// each decoded record to dispatch. It returns nil on a clean shutdown.
func (r *EventReader) Run(ctx context.Context, dispatch func(sched.Record)) error {
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer stop()

	var (
		sample ringbuf.Record
		rec    sched.Record
	)
	for {
		if err := r.rd.ReadInto(&sample); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read ring buffer: %w", err)
		}
		if err := DecodeRecord(sample.RawSample, &rec); err != nil {
			if r.malformed.Add(1) == 1 {
				r.log.Warn().Err(err).Msg("Dropping malformed event record")
			}
			continue
		}
		dispatch(rec)
	}
}

// Malformed returns the number of samples that failed to decode.
func (r *EventReader) Malformed() uint64 { return r.malformed.Load() }

// Close unblocks Run and releases the reader.
func (r *EventReader) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.rd.Close() })
	return r.closeErr
}
