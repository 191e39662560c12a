// Package eventlog stores the out-of-band messages helpers send (chat
// relays, diagnostics) per session: an in-memory ring buffer for reads,
// NDJSON on disk, and zstd-compressed rotation.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	maxEntries   = 2000
	maxFileBytes = 4 * 1024 * 1024
)

// Entry is one helper message.
type Entry struct {
	Time      time.Time `json:"ts"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
}

// Store holds the logs of all sessions.
type Store struct {
	mu           sync.RWMutex
	logs         map[string]*Log
	dir          string
	maxFileBytes int64
}

// NewStore creates a store persisting under dir.
func NewStore(dir string) *Store {
	os.MkdirAll(dir, 0700)
	return &Store{
		logs:         make(map[string]*Log),
		dir:          dir,
		maxFileBytes: maxFileBytes,
	}
}

// Append records a message for sessionID.
func (s *Store) Append(sessionID, kind, text string) {
	s.GetOrCreate(sessionID).Append(kind, text)
}

// GetOrCreate returns the log for sessionID, creating it if needed.
func (s *Store) GetOrCreate(sessionID string) *Log {
	key := strings.ToLower(sessionID)
	s.mu.RLock()
	l, ok := s.logs[key]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[key]; ok {
		return l
	}
	l = newLog(sessionID, filepath.Join(s.dir, fileName(key)), s.maxFileBytes)
	s.logs[key] = l
	return l
}

// Get returns the log for sessionID, or nil.
func (s *Store) Get(sessionID string) *Log {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[strings.ToLower(sessionID)]
}

// Close closes every open log file.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		l.Close()
	}
}

// fileName maps a session id to a safe file name. Ids that had to be
// rewritten carry a hash of the original so they cannot share a file.
func fileName(key string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	if clean != key {
		sum := sha256.Sum256([]byte(key))
		clean += "-" + hex.EncodeToString(sum[:4])
	}
	return clean + ".ndjson"
}

// Log is one session's ring buffer and file.
type Log struct {
	mu        sync.Mutex
	sessionID string

	entries []Entry
	head    int
	count   int

	subs []chan Entry

	path      string
	file      *os.File
	fileBytes int64
	maxBytes  int64
}

func newLog(sessionID, path string, maxBytes int64) *Log {
	l := &Log{
		sessionID: sessionID,
		entries:   make([]Entry, maxEntries),
		path:      path,
		maxBytes:  maxBytes,
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		l.file = f
		if info, _ := f.Stat(); info != nil {
			l.fileBytes = info.Size()
		}
	}
	return l
}

// Append adds a message, persists it and notifies subscribers.
func (l *Log) Append(kind, text string) {
	e := Entry{Time: time.Now(), SessionID: l.sessionID, Kind: kind, Text: text}

	l.mu.Lock()
	if l.count == maxEntries {
		l.head = (l.head + 1) % maxEntries
		l.count--
	}
	l.entries[(l.head+l.count)%maxEntries] = e
	l.count++

	if l.file != nil {
		if data, err := json.Marshal(e); err == nil {
			n, err := l.file.Write(append(data, '\n'))
			if err == nil {
				l.fileBytes += int64(n)
				if l.fileBytes > l.maxBytes {
					l.rotate()
				}
			}
		}
	}

	// Non-blocking, and under the lock so unsub cannot close ch mid-send.
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	l.mu.Unlock()
}

// rotate compresses the current file to path.1.zst, replacing any older
// archive, and starts a fresh file.
func (l *Log) rotate() {
	l.file.Close()
	l.file = nil

	if err := compressFile(l.path, l.path+".1.zst"); err == nil {
		os.Truncate(l.path, 0)
	} else {
		os.Rename(l.path, l.path+".1")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err == nil {
		l.file = f
		l.fileBytes = 0
	}
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Read returns buffered entries after since, limited to the last tail.
// tail <= 0 returns everything.
func (l *Log) Read(since time.Time, tail int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result []Entry
	for i := 0; i < l.count; i++ {
		e := l.entries[(l.head+i)%maxEntries]
		if !since.IsZero() && !e.Time.After(since) {
			continue
		}
		result = append(result, e)
	}
	if tail > 0 && len(result) > tail {
		result = result[len(result)-tail:]
	}
	return result
}

// Archived decodes the compressed rotation, oldest first.
func (l *Log) Archived() ([]Entry, error) {
	f, err := os.Open(l.path + ".1.zst")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var result []Entry
	jd := json.NewDecoder(dec)
	for {
		var e Entry
		if err := jd.Decode(&e); err == io.EOF {
			return result, nil
		} else if err != nil {
			return result, fmt.Errorf("decode archive: %w", err)
		}
		result = append(result, e)
	}
}

// Subscribe returns a channel of new entries, the entries already
// buffered, and a function that ends the subscription.
func (l *Log) Subscribe() (ch chan Entry, existing []Entry, unsub func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch = make(chan Entry, 64)
	l.subs = append(l.subs, ch)

	existing = make([]Entry, 0, l.count)
	for i := 0; i < l.count; i++ {
		existing = append(existing, l.entries[(l.head+i)%maxEntries])
	}

	unsub = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, existing, unsub
}

// Close closes the file and ends all subscriptions.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
}
