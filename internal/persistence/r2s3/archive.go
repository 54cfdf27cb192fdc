package r2s3

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roverworld.ai/internal/clock"
)

// Stats is a point-in-time view of the archive's queue and results.
type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	RetryTotal          uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

// Uploader is what the archive sends files through. *Client is one.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

// AuditFile is one closed hour of an audit stream.
type AuditFile struct {
	Path string
	Kind string
	Hour time.Time
}

var auditName = regexp.MustCompile(`^([a-z0-9_]+)-(\d{4}-\d{2}-\d{2}-\d{2})\.jsonl\.zst$`)

// ParseAuditFile reads the stream kind and UTC hour back out of a rotated
// file name of the form <kind>-YYYY-MM-DD-HH.jsonl.zst.
func ParseAuditFile(p string) (AuditFile, error) {
	m := auditName.FindStringSubmatch(filepath.Base(p))
	if m == nil {
		return AuditFile{}, fmt.Errorf("r2s3: %s is not a rotated audit file", p)
	}
	hour, err := time.ParseInLocation("2006-01-02-15", m[2], time.UTC)
	if err != nil {
		return AuditFile{}, fmt.Errorf("r2s3: %s: %w", p, err)
	}
	return AuditFile{Path: p, Kind: m[1], Hour: hour}, nil
}

// Key is prefix/kind/YYYY/MM/DD/HH.jsonl.zst, so a day of one stream
// lists under a single object prefix.
func (f AuditFile) Key(prefix string) string {
	return path.Join(prefix, f.Kind, f.Hour.Format("2006/01/02/15")+".jsonl.zst")
}

// Backoff spaces the uploads of one file. The wait after the n-th failure
// is Base doubled n-1 times, capped at Max.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func (b Backoff) wait(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	if failures > 30 {
		return b.Max
	}
	d := b.Base << (failures - 1)
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

type ArchiveOptions struct {
	Prefix      string
	Queue       int
	EnqueueWait time.Duration
	Timeout     time.Duration // per upload attempt
	Backoff     Backoff
	// RemoveAfter deletes the local file once it is stored remotely.
	RemoveAfter bool
}

// Archive uploads rotated audit files from a single goroutine. A file that
// fails waits out its own backoff while later hours go ahead; Close gives
// every waiting file one last attempt and leaves the rest on disk.
type Archive struct {
	client Uploader
	opts   ArchiveOptions
	logger *log.Logger
	clock  clock.Clock
	after  func(time.Duration) <-chan time.Time

	in        chan AuditFile
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	waiting   atomic.Int64

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	retryTotal          atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

type held struct {
	AuditFile
	key      string
	failures int
	next     time.Time
}

func NewArchive(client Uploader, opts ArchiveOptions, logger *log.Logger) *Archive {
	a := newArchive(client, opts, logger, clock.ClockFunc(time.Now), time.After)
	go a.run()
	return a
}

func newArchive(client Uploader, opts ArchiveOptions, logger *log.Logger, clk clock.Clock, after func(time.Duration) <-chan time.Time) *Archive {
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Backoff.Attempts <= 0 {
		opts.Backoff.Attempts = 6
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = 5 * time.Second
	}
	if opts.Backoff.Max < opts.Backoff.Base {
		opts.Backoff.Max = 10 * time.Minute
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")
	return &Archive{
		client: client,
		opts:   opts,
		logger: logger,
		clock:  clk,
		after:  after,
		in:     make(chan AuditFile, opts.Queue),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Enqueue takes the path of a rotated audit file. It runs under the audit
// writer's lock, so it waits at most the enqueue wait for room and drops
// the file after that.
func (a *Archive) Enqueue(localPath string) {
	if a == nil || a.client == nil {
		return
	}
	f, err := ParseAuditFile(localPath)
	if err != nil {
		a.printf("warn: archive skip local=%s err=%v", localPath, err)
		return
	}
	a.enqueuedTotal.Add(1)

	select {
	case a.in <- f:
		return
	default:
	}
	a.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(a.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case a.in <- f:
	case <-timer.C:
		dropped := a.droppedTotal.Add(1)
		a.printf("warn: archive drop hour=%s kind=%s reason=queue_saturated dropped_total=%d", f.Hour.Format("2006-01-02T15"), f.Kind, dropped)
	}
}

// Close stops the archive after a last attempt at every queued file.
func (a *Archive) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() { close(a.quit) })
	<-a.done
}

func (a *Archive) Stats() Stats {
	if a == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(a.in) + int(a.waiting.Load()),
		QueueCapacity:       cap(a.in),
		EnqueuedTotal:       a.enqueuedTotal.Load(),
		QueueSaturatedTotal: a.queueSaturatedTotal.Load(),
		DroppedTotal:        a.droppedTotal.Load(),
		RetryTotal:          a.retryTotal.Load(),
		UploadSuccessTotal:  a.uploadSuccessTotal.Load(),
		UploadFailTotal:     a.uploadFailTotal.Load(),
		LastSuccessUnix:     a.lastSuccessUnix.Load(),
		LastErrorUnix:       a.lastErrorUnix.Load(),
	}
}

func (a *Archive) run() {
	defer close(a.done)
	var files []*held
	for {
		files = a.uploadDue(files)
		a.waiting.Store(int64(len(files)))

		var wake <-chan time.Time
		if next, ok := earliest(files); ok {
			wake = a.after(next.Sub(a.clock.Now()))
		}
		select {
		case f := <-a.in:
			files = append(files, a.hold(f))
		case <-wake:
		case <-a.quit:
			for _, h := range a.drain(files) {
				if err := a.put(h); err != nil {
					a.giveUp(h, err)
				}
			}
			a.waiting.Store(0)
			return
		}
	}
}

func (a *Archive) drain(files []*held) []*held {
	for {
		select {
		case f := <-a.in:
			files = append(files, a.hold(f))
		default:
			return files
		}
	}
}

func (a *Archive) hold(f AuditFile) *held {
	return &held{AuditFile: f, key: f.Key(a.opts.Prefix), next: a.clock.Now()}
}

// uploadDue tries every file whose backoff has run out and returns the
// ones still waiting.
func (a *Archive) uploadDue(files []*held) []*held {
	kept := files[:0]
	for _, h := range files {
		if h.next.After(a.clock.Now()) {
			kept = append(kept, h)
			continue
		}
		err := a.put(h)
		if err == nil {
			continue
		}
		h.failures++
		if h.failures >= a.opts.Backoff.Attempts {
			a.giveUp(h, err)
			continue
		}
		wait := a.opts.Backoff.wait(h.failures)
		h.next = a.clock.Now().Add(wait)
		a.retryTotal.Add(1)
		a.printf("warn: archive retry key=%s attempt=%d wait=%s err=%v", h.key, h.failures, wait, err)
		kept = append(kept, h)
	}
	return kept
}

func (a *Archive) put(h *held) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.Timeout)
	err := a.client.PutFile(ctx, h.key, h.Path)
	cancel()
	if err != nil {
		return err
	}
	a.uploadSuccessTotal.Add(1)
	a.lastSuccessUnix.Store(a.clock.Now().UTC().Unix())
	a.printf("archive uploaded key=%s local=%s", h.key, h.Path)
	if a.opts.RemoveAfter {
		if err := os.Remove(h.Path); err != nil {
			a.printf("warn: archive remove local=%s err=%v", h.Path, err)
		}
	}
	return nil
}

func (a *Archive) giveUp(h *held, err error) {
	a.uploadFailTotal.Add(1)
	a.lastErrorUnix.Store(a.clock.Now().UTC().Unix())
	a.printf("error: archive gave up key=%s local=%s kept on disk err=%v", h.key, h.Path, err)
}

func earliest(files []*held) (time.Time, bool) {
	if len(files) == 0 {
		return time.Time{}, false
	}
	t := files[0].next
	for _, h := range files[1:] {
		if h.next.Before(t) {
			t = h.next
		}
	}
	return t, true
}

func (a *Archive) printf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}
