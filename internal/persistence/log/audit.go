// Package log writes the engine's audit trail as hourly zstd-compressed
// JSONL files.
package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"roverworld.ai/internal/clock"
)

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	Time   time.Time      `json:"time"`
	Kind   string         `json:"kind"`
	UserID string         `json:"user_id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// JSONLZstdWriter appends JSON lines to one file per UTC hour. Closing an
// hour's file hands its path to the rotate hook.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	clock   clock.Clock

	mu       sync.Mutex
	curHour  string
	curPath  string
	f        *os.File
	enc      *zstd.Encoder
	w        *bufio.Writer
	onRotate func(path string)
}

func NewJSONLZstdWriter(baseDir, prefix string, clk clock.Clock) *JSONLZstdWriter {
	if clk == nil {
		clk = clock.ClockFunc(time.Now)
	}
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix, clock: clk}
}

// OnRotate sets the hook run with the path of every finished file.
func (w *JSONLZstdWriter) OnRotate(f func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRotate = f
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.clock.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	p := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	w.curPath = p
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	if w.curPath != "" && w.onRotate != nil && err1 == nil {
		w.onRotate(w.curPath)
	}
	w.curPath = ""
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Archiver takes each finished audit file off the writer's hands.
type Archiver interface {
	Enqueue(path string)
	Close()
}

// AuditLogger writes audit entries under dir/audit.
type AuditLogger struct {
	w       *JSONLZstdWriter
	archive Archiver
}

func NewAuditLogger(dataDir string, clk clock.Clock) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit", clk)}
}

func (l *AuditLogger) WriteAudit(e AuditEntry) error { return l.w.Write(e) }
func (l *AuditLogger) OnRotate(f func(path string))  { l.w.OnRotate(f) }

// ArchiveTo hands every rotated file to a. The logger owns a from then on
// and closes it after the last hour is flushed.
func (l *AuditLogger) ArchiveTo(a Archiver) {
	l.archive = a
	l.w.OnRotate(a.Enqueue)
}

func (l *AuditLogger) Close() error {
	err := l.w.Close()
	if l.archive != nil {
		l.archive.Close()
		l.archive = nil
	}
	return err
}

// ReadAudit decodes every entry of one audit file. A file being appended
// to may end in a partial frame; entries before it are returned with the
// error.
func ReadAudit(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	var out []AuditEntry
	jd := json.NewDecoder(dec)
	for {
		var e AuditEntry
		if err := jd.Decode(&e); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("%s: entry %d: %w", path, len(out), err)
		}
		out = append(out, e)
	}
}
