// Package audit keeps a tamper-evident JSONL trail of seat ownership
// changes: who joined, who held the devices, and when control moved.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/seatd/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventDaemonStart      = "daemon_start"
	EventDaemonStop       = "daemon_stop"
	EventConnection       = "connection"
	EventConnectionDenied = "connection_denied"
	EventClientJoined     = "client_joined"
	EventClientActivated  = "client_activated"
	EventClientDisabled   = "client_disabled"
	EventClientRemoved    = "client_removed"
	EventDeviceOpened     = "device_opened"
	EventDeviceClosed     = "device_closed"
	EventVTRelease        = "vt_release"
	EventVTAcquire        = "vt_acquire"
	EventLogRotated       = "log_rotated"
)

const genesisHash = "genesis"

// fsync after these so a crash cannot lose a grant of device access.
var criticalEvents = map[string]bool{
	EventDaemonStart:     true,
	EventDaemonStop:      true,
	EventClientActivated: true,
	EventDeviceOpened:    true,
}

// Entry is a single audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Seat      string         `json:"seat,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends hash-chained entries to a file, rotating it by size. The
// first entry of a rotated file is an EventLogRotated sentinel whose
// prevHash is the last hash of the previous file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
	now        func() time.Time
}

// NewLogger opens (or continues) the audit trail at path.
func NewLogger(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
		now:        time.Now,
	}
	last, err := lastHash(path)
	if err != nil {
		log.Warn("could not read previous audit trail, starting a new chain", "path", path, logging.KeyError, err)
	} else if last != "" {
		l.prevHash = last
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit trail opened", "path", path)
	return l, nil
}

// Log appends an entry. The chain only advances once the write succeeded,
// so a failed write never leaves a gap. A nil Logger discards everything.
func (l *Logger) Log(eventType, seat string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Seat:      seat,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	if err := l.write(&entry, true); err != nil {
		log.Error("dropping audit entry", "eventType", eventType, logging.KeyError, err)
		l.dropped.Add(1)
		return
	}

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("audit fsync failed", "eventType", eventType, logging.KeyError, err)
		}
	}
}

func (l *Logger) write(entry *Entry, mayRotate bool) error {
	hash, err := computeHash(entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	if mayRotate && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		// The sentinel moved the chain on; relink.
		entry.PrevHash = l.prevHash
		return l.write(entry, false)
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash
	return nil
}

// Close closes the trail. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns how many entries failed to write, or -1 for a nil
// Logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash length-prefixes each field so that no two distinct entries
// serialize to the same hash input.
func computeHash(entry *Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Seat, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(b))
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	oldest := l.backupName(l.maxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		log.Warn("could not remove oldest audit backup", "path", oldest, logging.KeyError, err)
	}
	for i := l.maxBackups - 1; i >= 1; i-- {
		if err := os.Rename(l.backupName(i), l.backupName(i+1)); err != nil && !os.IsNotExist(err) {
			log.Warn("could not shift audit backup", "index", i, logging.KeyError, err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("could not rename audit trail", logging.KeyError, err)
	}
	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		Details:   map[string]any{"previousFile": l.backupName(1)},
		PrevHash:  l.prevHash,
	}
	if err := l.write(&sentinel, false); err != nil {
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		log.Error("audit rotation sentinel lost, hash chain broken", logging.KeyError, err)
	}
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

func lastHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return "", nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return "", fmt.Errorf("parse last entry: %w", err)
	}
	return e.EntryHash, nil
}

// ChainError reports the first entry whose hash or link does not verify.
type ChainError struct {
	Line   int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: line %d: %s", e.Line, e.Reason)
}

// Verify checks the hash chain of one trail file and returns the number of
// entries read. The first entry may link to anything when it is a rotation
// sentinel, otherwise it must start from genesis.
func Verify(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var prev string
	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		n++
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return n, &ChainError{Line: n, Reason: "malformed entry: " + err.Error()}
		}
		switch {
		case n == 1 && e.EventType != EventLogRotated && e.PrevHash != genesisHash:
			return n, &ChainError{Line: n, Reason: "chain does not start at genesis"}
		case n > 1 && e.PrevHash != prev:
			return n, &ChainError{Line: n, Reason: "broken link to previous entry"}
		}
		want, err := computeHash(&e)
		if err != nil {
			return n, &ChainError{Line: n, Reason: err.Error()}
		}
		if want != e.EntryHash {
			return n, &ChainError{Line: n, Reason: "entry hash mismatch"}
		}
		prev = e.EntryHash
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("audit: read: %w", err)
	}
	return n, nil
}
