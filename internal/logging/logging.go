// Package logging provides the structured logger shared by the sink
// driver's packages, plus a per-sink one-shot warning helper for the
// rate-limited "driver bug" reports the device adapter and scheduler
// need to emit (spec §4.3, §7).
package logging

import (
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

// Logger is the structured-logging surface scheduler/sink/device depend on,
// satisfied by *log.Logger (charmbracelet/log) or a test double.
type Logger interface {
	Info(msg interface{}, keyvals ...interface{})
	Debug(msg interface{}, keyvals ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
}

// New returns a logger for the named component (e.g. "device", "scheduler",
// "watermark"), writing to stderr with the component name as prefix.
func New(component string) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          component,
	})
	l.SetLevel(log.InfoLevel)
	return l
}

// OnceLog rate-limits a set of named warnings to "fire at most once" each.
// One OnceLog belongs to exactly one Sink instance — unlike a package-level
// sync.Once map, this means two sinks in the same process don't suppress
// each other's first warning (spec §9, "Global static TLS / one-shot
// logging").
type OnceLog struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewOnceLog returns a ready-to-use OnceLog.
func NewOnceLog() *OnceLog {
	return &OnceLog{seen: make(map[string]bool)}
}

// Fire reports whether this is the first call for key. Callers use it to
// guard a Warn() call:
//
//	if ol.Fire("avail-exceeds-guard") {
//	    logger.Warn("snd_pcm_avail returned an exceptionally large value", ...)
//	}
func (o *OnceLog) Fire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen[key] {
		return false
	}
	o.seen[key] = true
	return true
}

// Reset clears all recorded keys, so warnings can fire again. Called when a
// sink is resumed after suspend, since a driver bug on the previous device
// session says nothing about the new one.
func (o *OnceLog) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = make(map[string]bool)
}
