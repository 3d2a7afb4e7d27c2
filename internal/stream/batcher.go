// Package stream batches subprocess output into delivery-sized chunks.
//
// A Batcher buffers lines of one stream and flushes them as a single chunk
// when the window elapses, when the line threshold is reached, or when the
// stream closes. Apart from the final flush, chunks go out at most once per
// window; lines arriving faster pile up into the next, larger chunk.
// Flushes are serialized and numbered from 1.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/herald/internal/job"
)

// Defaults used when Options fields are zero.
const (
	DefaultWindow       = 3 * time.Second
	DefaultMaxLines     = 12
	DefaultMaxLineBytes = 4096
)

const readBufferSize = 64 * 1024

// Options tunes batching.
type Options struct {
	Window       time.Duration
	MaxLines     int
	MaxLineBytes int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.MaxLines <= 0 {
		o.MaxLines = DefaultMaxLines
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	return o
}

// FlushFunc receives one chunk. It is never called concurrently for the same
// Batcher and sequences arrive strictly increasing.
type FlushFunc func(stream job.Stream, seq int64, text string)

// Batcher windows the lines of a single output stream.
type Batcher struct {
	stream job.Stream
	opts   Options
	flush  FlushFunc

	// flushMu orders sequence assignment together with the callback.
	flushMu sync.Mutex

	mu        sync.Mutex
	lines     []string
	seq       int64
	lastFlush time.Time
	timer     *time.Timer
	timerAt   time.Time
	timerGen  uint64
	closed    bool
}

func New(stream job.Stream, opts Options, flush FlushFunc) *Batcher {
	return &Batcher{
		stream: stream,
		opts:   opts.withDefaults(),
		flush:  flush,
	}
}

// Write buffers one line (without its trailing newline), truncating it if it
// exceeds MaxLineBytes.
func (b *Batcher) Write(line string) {
	b.add(truncate(line, 0, b.opts.MaxLineBytes))
}

func (b *Batcher) add(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	now := time.Now()
	flush := false
	switch {
	case b.closed:
		flush = true
	case len(b.lines) >= b.opts.MaxLines:
		wait := b.opts.Window - now.Sub(b.lastFlush)
		if b.lastFlush.IsZero() || wait <= 0 {
			flush = true
		} else {
			b.armLocked(now, wait)
		}
	default:
		b.armLocked(now, b.opts.Window)
	}
	b.mu.Unlock()

	if flush {
		b.flushNow()
	}
}

// armLocked makes sure a flush is scheduled no later than now+wait.
func (b *Batcher) armLocked(now time.Time, wait time.Duration) {
	at := now.Add(wait)
	if b.timer != nil {
		if !b.timerAt.After(at) {
			return
		}
		b.timer.Stop()
	}
	b.timerGen++
	gen := b.timerGen
	b.timerAt = at
	b.timer = time.AfterFunc(wait, func() { b.onTimer(gen) })
}

func (b *Batcher) onTimer(gen uint64) { b.flushFrom(&gen) }

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.timerGen++
}

// Consume reads r line by line until EOF, then closes the batcher. Lines longer
// than MaxLineBytes are truncated without fragmenting them into several lines.
func (b *Batcher) Consume(r io.Reader) error {
	defer b.Close()

	reader := bufio.NewReaderSize(r, readBufferSize)
	var (
		kept    []byte
		dropped int
	)
	for {
		frag, isPrefix, err := reader.ReadLine()
		if len(frag) > 0 {
			room := b.opts.MaxLineBytes - len(kept)
			if room >= len(frag) {
				kept = append(kept, frag...)
			} else {
				if room > 0 {
					kept = append(kept, frag[:room]...)
				}
				dropped += len(frag) - max(room, 0)
			}
		}
		if err != nil {
			if len(kept) > 0 || dropped > 0 {
				b.add(truncate(string(kept), dropped, b.opts.MaxLineBytes))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read %s: %w", b.stream, err)
		}
		if !isPrefix {
			b.add(truncate(string(kept), dropped, b.opts.MaxLineBytes))
			kept = kept[:0]
			dropped = 0
		}
	}
}

// Close flushes whatever is buffered and returns once that flush completed.
// Calling Close more than once is harmless.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.stopTimerLocked()
	b.mu.Unlock()

	b.flushNow()
}

// Seq returns the number of chunks flushed so far.
func (b *Batcher) Seq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

func (b *Batcher) flushNow() { b.flushFrom(nil) }

// flushFrom flushes the buffer. A timer passes its generation so that a timer
// superseded by another flush does nothing.
func (b *Batcher) flushFrom(gen *uint64) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if gen != nil && *gen != b.timerGen {
		b.mu.Unlock()
		return
	}
	b.stopTimerLocked()
	if len(b.lines) == 0 {
		b.mu.Unlock()
		return
	}
	text := strings.Join(b.lines, "\n")
	b.lines = nil
	b.seq++
	seq := b.seq
	b.lastFlush = time.Now()
	b.mu.Unlock()

	b.flush(b.stream, seq, text)
}

// truncate cuts line to limit bytes on a rune boundary and appends a marker
// counting every byte removed, including extra bytes already dropped upstream.
func truncate(line string, extra, limit int) string {
	if len(line) <= limit && extra == 0 {
		return line
	}
	cut := min(len(line), limit)
	// Never end on a partial rune; invalid bytes further back are kept as is.
	for back := 0; cut > 0 && cut < len(line) && back < utf8.UTFMax-1; back++ {
		if utf8.RuneStart(line[cut]) {
			break
		}
		cut--
	}
	removed := len(line) - cut + extra
	return fmt.Sprintf("%s …[truncated %d bytes]", line[:cut], removed)
}
