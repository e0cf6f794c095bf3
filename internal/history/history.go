// Package history is the append-only chat log. The file on disk is the
// source of truth across restarts; the in-memory mirror exists only so
// HistoryRequest can be answered without re-reading the file.
package history

import (
	"bufio"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"
)

// timestampLayout approximates the human-readable prefix the previous
// server wrote. Nothing parses it back; it is replayed verbatim.
const timestampLayout = "Mon Jan 2 15:04:05 2006"

// Log is a chat history file plus its in-memory mirror.
type Log struct {
	mu    sync.Mutex
	path  string
	lines []string
}

// Open seeds the mirror from the file. A missing file is an empty log.
func Open(path string) (*Log, error) {
	l := &Log{path: path}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		l.lines = append(l.lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	slog.Info("chat history loaded", "path", path, "lines", len(l.lines))
	return l, nil
}

// Append records one chat line. The file line carries a timestamp
// prefix; the mirror keeps the bare line. A write failure is logged and
// the mirror stays authoritative until the next successful append.
func (l *Log) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("append chat history", "path", l.path, "err", err)
	} else {
		if _, err := f.WriteString(time.Now().Format(timestampLayout) + ": " + line + "\n"); err != nil {
			slog.Error("append chat history", "path", l.path, "err", err)
		}
		f.Close()
	}
	l.lines = append(l.lines, line)
}

// Snapshot returns the ordered lines seen so far.
func (l *Log) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}
