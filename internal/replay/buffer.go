// Package replay implements the bounded push-replay buffer: a FIFO of
// recently observed push frames, persisted to disk so a restarted bridge can
// replay recent history to newly (re)connected WebSocket clients.
package replay

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/meshcore-bridge/internal/logging"
	"github.com/kstaniek/meshcore-bridge/internal/metrics"
)

// Entry is one buffered push frame, in raw on-wire form, as persisted to
// disk ({"frame": base64, "timestamp": unix-millis}).
type Entry struct {
	Frame     []byte `json:"frame"`
	Timestamp int64  `json:"timestamp"`
}

type entryJSON struct {
	Frame     string `json:"frame"`
	Timestamp int64  `json:"timestamp"`
}

// persistDebounce bounds how often the buffer is flushed to disk: bursts of
// pushes coalesce into a single write.
const persistDebounce = 5 * time.Second

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Buffer is a bounded FIFO of recent push frames, safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	cap      int
	entries  []Entry
	path     string
	logger   *slog.Logger
	now      Clock
	dirty    bool
	flushing bool
	timer    *time.Timer
}

// New constructs a Buffer with the given capacity, optionally persisting to
// path (empty disables persistence).
func New(capacity int, path string) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{
		cap:    capacity,
		path:   path,
		logger: logging.L(),
		now:    time.Now,
	}
	b.load()
	return b
}

// Push appends raw (the on-wire framed bytes) to the buffer, evicting the
// oldest entry if at capacity, and schedules a debounced persist.
func (b *Buffer) Push(raw []byte) {
	entry := Entry{Frame: append([]byte(nil), raw...), Timestamp: b.now().UnixMilli()}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.cap {
		b.entries = b.entries[len(b.entries)-b.cap:]
	}
	n := len(b.entries)
	b.scheduleFlush()
	b.mu.Unlock()

	metrics.SetReplayBufferSize(n)
}

// Snapshot returns a copy of all currently buffered entries, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// scheduleFlush arms a debounce timer under the lock. Caller holds b.mu.
func (b *Buffer) scheduleFlush() {
	b.dirty = true
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(persistDebounce, b.flush)
}

func (b *Buffer) flush() {
	b.mu.Lock()
	if !b.dirty || b.path == "" {
		b.dirty = false
		b.timer = nil
		b.mu.Unlock()
		return
	}
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	b.dirty = false
	b.timer = nil
	b.mu.Unlock()

	if err := b.persist(entries); err != nil {
		metrics.IncError(metrics.ErrReplayPersist)
		b.logger.Error("replay_persist_error", "error", err)
	}
}

// Flush forces an immediate, synchronous persist of pending changes. Used on
// graceful shutdown so a final burst isn't lost to the debounce window.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if !b.dirty || b.path == "" {
		b.mu.Unlock()
		return
	}
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	b.dirty = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if err := b.persist(entries); err != nil {
		metrics.IncError(metrics.ErrReplayPersist)
		b.logger.Error("replay_persist_error", "error", err)
	}
}

func (b *Buffer) persist(entries []Entry) error {
	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = entryJSON{Frame: base64.StdEncoding.EncodeToString(e.Frame), Timestamp: e.Timestamp}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// load reads a previously persisted buffer from disk, if present. Malformed
// or missing files are tolerated: the buffer simply starts empty, since
// replay history is a convenience, not a correctness requirement.
func (b *Buffer) load() {
	if b.path == "" {
		return
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return
	}
	var in []entryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		b.logger.Warn("replay_load_malformed", "path", b.path, "error", err)
		return
	}
	entries := make([]Entry, 0, len(in))
	for _, e := range in {
		raw, err := base64.StdEncoding.DecodeString(e.Frame)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Frame: raw, Timestamp: e.Timestamp})
	}
	if len(entries) > b.cap {
		entries = entries[len(entries)-b.cap:]
	}
	b.entries = entries
	metrics.SetReplayBufferSize(len(entries))
}
