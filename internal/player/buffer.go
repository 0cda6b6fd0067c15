// ABOUTME: Sequence-ordered receive buffer with deadline-based release
// ABOUTME: Reorders and deduplicates frames, drops late ones and fills gaps with silence or skips them
package player

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/audera/audera-go/internal/protocol"
)

// IngestResult classifies one arriving frame
type IngestResult int

const (
	Accepted IngestResult = iota
	// Stale frames are at or below the last released sequence number
	Stale
	Duplicate
	// Late frames arrived after their own deadline
	Late
	// Overrun means the frame was buffered but the oldest one was dropped
	Overrun
)

var ingestNames = [...]string{"accepted", "stale", "duplicate", "late", "overrun"}

func (r IngestResult) String() string {
	if int(r) < len(ingestNames) {
		return ingestNames[r]
	}
	return fmt.Sprintf("ingest(%d)", int(r))
}

// ReleaseKind says what the output stage should do with a release
type ReleaseKind int

const (
	Play ReleaseKind = iota
	Silence
	// Drop reports a frame discarded at release time. Nothing is played.
	Drop
)

var releaseNames = [...]string{"play", "silence", "drop"}

func (k ReleaseKind) String() string {
	if int(k) < len(releaseNames) {
		return releaseNames[k]
	}
	return fmt.Sprintf("release(%d)", int(k))
}

// Release is one slot leaving the buffer
type Release struct {
	Kind     ReleaseKind
	Seq      uint32
	Deadline int64
	Frame    protocol.AudioFrame
}

// GapPolicy decides how a missing frame is resolved
type GapPolicy string

const (
	GapSilence GapPolicy = "silence"
	GapSkip    GapPolicy = "skip"
)

// DeadlineFunc maps a capture timestamp to the local playback deadline in
// microseconds.
type DeadlineFunc func(capture int64) int64

// BufferConfig tunes the release policy
type BufferConfig struct {
	FrameDuration time.Duration
	MaxDepth      int
	// StartDepth frames are collected before the first release unless the
	// earliest deadline comes first
	StartDepth      int
	Tolerance       time.Duration
	GapWait         time.Duration
	GapPolicy       GapPolicy
	MaxSilenceSlots int
}

func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		FrameDuration:   1024 * time.Second / 44100,
		MaxDepth:        256,
		StartDepth:      4,
		Tolerance:       5 * time.Millisecond,
		GapWait:         20 * time.Millisecond,
		GapPolicy:       GapSilence,
		MaxSilenceSlots: 8,
	}
}

// Stats counts what happened to frames
type Stats struct {
	Received    int64
	Played      int64
	Late        int64
	DroppedLate int64
	Stale       int64
	Duplicates  int64
	Silence     int64
	Skipped     int64
	Overruns    int64
}

// ReceiveBuffer holds frames not yet due. It is not safe for concurrent
// use; the Scheduler serializes access.
type ReceiveBuffer struct {
	cfg      BufferConfig
	deadline DeadlineFunc
	frame    int64
	tol      int64
	gapWait  int64

	queue   frameQueue
	members map[uint32]struct{}

	primed bool
	// next is the expected sequence number once primed
	next  uint32
	stats Stats
}

// NewReceiveBuffer creates an empty buffer.
func NewReceiveBuffer(cfg BufferConfig, deadline DeadlineFunc) *ReceiveBuffer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1
	}
	if cfg.StartDepth <= 0 {
		cfg.StartDepth = 1
	}
	if cfg.GapPolicy == "" {
		cfg.GapPolicy = GapSilence
	}
	b := &ReceiveBuffer{
		cfg:      cfg,
		deadline: deadline,
		frame:    cfg.FrameDuration.Microseconds(),
		tol:      cfg.Tolerance.Microseconds(),
		gapWait:  cfg.GapWait.Microseconds(),
		members:  make(map[uint32]struct{}),
	}
	heap.Init(&b.queue)
	return b
}

// SetDeadline swaps the deadline mapping, for a new session latency.
func (b *ReceiveBuffer) SetDeadline(fn DeadlineFunc) {
	b.deadline = fn
}

// SetFrameDuration updates the slot length used to place gaps.
func (b *ReceiveBuffer) SetFrameDuration(d time.Duration) {
	b.cfg.FrameDuration = d
	b.frame = d.Microseconds()
}

// Ingest buffers f if it can still be played.
func (b *ReceiveBuffer) Ingest(f protocol.AudioFrame, now int64) IngestResult {
	b.stats.Received++

	if b.primed && f.Seq < b.next {
		b.stats.Stale++
		return Stale
	}
	if _, ok := b.members[f.Seq]; ok {
		b.stats.Duplicates++
		return Duplicate
	}
	if b.deadline(f.Capture) < now {
		b.stats.Late++
		return Late
	}

	heap.Push(&b.queue, f)
	b.members[f.Seq] = struct{}{}

	if b.queue.Len() > b.cfg.MaxDepth {
		old := heap.Pop(&b.queue).(protocol.AudioFrame)
		delete(b.members, old.Seq)
		if b.primed && old.Seq >= b.next {
			b.next = old.Seq + 1
		}
		b.stats.Overruns++
		return Overrun
	}
	return Accepted
}

// Poll returns every slot due at now, in sequence order.
func (b *ReceiveBuffer) Poll(now int64) []Release {
	if !b.prime(now) {
		return nil
	}

	var out []Release
	for b.queue.Len() > 0 {
		head := b.queue.Peek()
		dl := b.deadline(head.Capture)

		if head.Seq == b.next {
			switch {
			case now-dl > b.tol:
				b.pop()
				b.stats.DroppedLate++
				out = append(out, Release{Kind: Drop, Seq: head.Seq, Deadline: dl, Frame: head})
			case dl <= now+b.tol:
				b.pop()
				b.stats.Played++
				out = append(out, Release{Kind: Play, Seq: head.Seq, Deadline: dl, Frame: head})
			default:
				return out
			}
			b.next++
			continue
		}

		// gap: head.Seq > next
		missing := head.Seq - b.next
		slot := dl - int64(missing)*b.frame
		if now < slot+b.gapWait {
			return out
		}

		var filled int64
		if b.cfg.GapPolicy == GapSilence {
			// slots already past their deadline are skipped like late frames
			for i := uint32(0); i < missing && filled < int64(b.cfg.MaxSilenceSlots); i++ {
				sdl := slot + int64(i)*b.frame
				if now-sdl > b.tol {
					continue
				}
				out = append(out, Release{Kind: Silence, Seq: b.next + i, Deadline: sdl})
				filled++
			}
			b.stats.Silence += filled
		}
		b.stats.Skipped += int64(missing) - filled
		b.next = head.Seq
	}
	return out
}

// prime decides when buffering ends and fixes the first expected sequence
// number to the lowest one buffered.
func (b *ReceiveBuffer) prime(now int64) bool {
	if b.primed {
		return true
	}
	if b.queue.Len() == 0 {
		return false
	}
	head := b.queue.Peek()
	if b.queue.Len() < b.cfg.StartDepth && b.deadline(head.Capture) > now+b.tol {
		return false
	}
	b.primed = true
	b.next = head.Seq
	return true
}

// NextWake returns the local time at which Poll has work, or false when the
// buffer is waiting for frames.
func (b *ReceiveBuffer) NextWake() (int64, bool) {
	if b.queue.Len() == 0 {
		return 0, false
	}
	head := b.queue.Peek()
	dl := b.deadline(head.Capture)

	if !b.primed || head.Seq == b.next {
		return dl - b.tol, true
	}
	missing := head.Seq - b.next
	return dl - int64(missing)*b.frame + b.gapWait, true
}

// Reset drops every buffered frame and forgets the expected sequence number.
func (b *ReceiveBuffer) Reset() {
	b.queue.items = b.queue.items[:0]
	clear(b.members)
	b.primed = false
	b.next = 0
}

// Len is the number of buffered frames.
func (b *ReceiveBuffer) Len() int { return b.queue.Len() }

// Stats returns the counters.
func (b *ReceiveBuffer) Stats() Stats { return b.stats }

func (b *ReceiveBuffer) pop() {
	f := heap.Pop(&b.queue).(protocol.AudioFrame)
	delete(b.members, f.Seq)
}

// frameQueue is a min-heap of frames ordered by sequence number
type frameQueue struct {
	items []protocol.AudioFrame
}

func (q *frameQueue) Len() int { return len(q.items) }

func (q *frameQueue) Less(i, j int) bool {
	return q.items[i].Seq < q.items[j].Seq
}

func (q *frameQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *frameQueue) Push(x interface{}) {
	q.items = append(q.items, x.(protocol.AudioFrame))
}

func (q *frameQueue) Pop() interface{} {
	n := len(q.items)
	item := q.items[n-1]
	q.items = q.items[:n-1]
	return item
}

func (q *frameQueue) Peek() protocol.AudioFrame {
	return q.items[0]
}
