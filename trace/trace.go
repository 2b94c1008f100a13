package trace

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Filter selects which kinds of entries are written.
type Filter uint32

// Filter bits.
const (
	FilterNone    Filter = 0
	FilterWarning Filter = 1 << 0
	FilterError   Filter = 1 << 1
	FilterInfo    Filter = 1 << 2
	FilterDebug   Filter = 1 << 3
	FilterAll     Filter = 0xffff

	// FilterDefault admits warnings and errors.
	FilterDefault = FilterWarning | FilterError
)

// ParseFilter reads a comma separated list such as "warning,error".
func ParseFilter(s string) (Filter, error) {
	var f Filter
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "", "none":
		case "warning", "warn":
			f |= FilterWarning
		case "error":
			f |= FilterError
		case "info":
			f |= FilterInfo
		case "debug":
			f |= FilterDebug
		case "all":
			f |= FilterAll
		default:
			return 0, fmt.Errorf("unknown trace filter %q", part)
		}
	}
	return f, nil
}

// FilterFor maps a logrus level onto its filter bit.
func FilterFor(level logrus.Level) Filter {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return FilterError
	case logrus.WarnLevel:
		return FilterWarning
	case logrus.InfoLevel:
		return FilterInfo
	default:
		return FilterDebug
	}
}

// Allows reports whether entries at level pass the filter.
func (f Filter) Allows(level logrus.Level) bool {
	return f&FilterFor(level) != 0
}

// level returns the most verbose logrus level the filter admits.
func (f Filter) level() logrus.Level {
	switch {
	case f&FilterDebug != 0:
		return logrus.DebugLevel
	case f&FilterInfo != 0:
		return logrus.InfoLevel
	case f&FilterWarning != 0:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// Callback receives every admitted entry.
type Callback func(level Filter, message string)

// maskingFormatter drops entries the filter rejects and formats the
// rest with the wrapped formatter.
type maskingFormatter struct {
	filter *atomic.Uint32
	inner  logrus.Formatter
}

func (m *maskingFormatter) Format(e *logrus.Entry) ([]byte, error) {
	if !Filter(m.filter.Load()).Allows(e.Level) {
		return nil, nil
	}
	return m.inner.Format(e)
}

type callbackHook struct {
	filter   *atomic.Uint32
	callback atomic.Pointer[Callback]
}

func (h *callbackHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callbackHook) Fire(e *logrus.Entry) error {
	cb := h.callback.Load()
	if cb == nil || !Filter(h.filter.Load()).Allows(e.Level) {
		return nil
	}
	(*cb)(FilterFor(e.Level), e.Message)
	return nil
}

// Sink controls one logrus logger.
type Sink struct {
	logger *logrus.Logger
	filter atomic.Uint32
	hook   *callbackHook

	mu     sync.Mutex
	file   *os.File
	stderr io.Writer
}

// NewSink takes over logger's formatter and installs the callback
// hook.
func NewSink(logger *logrus.Logger) *Sink {
	s := &Sink{logger: logger, stderr: logger.Out}
	s.hook = &callbackHook{filter: &s.filter}
	logger.SetFormatter(&maskingFormatter{filter: &s.filter, inner: logger.Formatter})
	logger.AddHook(s.hook)
	s.SetFilter(FilterDefault)
	return s
}

// SetFilter replaces the mask.
func (s *Sink) SetFilter(f Filter) {
	s.filter.Store(uint32(f))
	if f == FilterNone {
		s.logger.SetLevel(logrus.PanicLevel)
		return
	}
	s.logger.SetLevel(f.level())
}

// Filter returns the mask.
func (s *Sink) Filter() Filter {
	return Filter(s.filter.Load())
}

// SetFile appends output to path, creating it with mode 0644. An empty
// path restores the original writer.
func (s *Sink) SetFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out io.Writer = s.stderr
	var file *os.File
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		out, file = f, f
	}
	s.logger.SetOutput(out)
	if s.file != nil {
		s.file.Close()
	}
	s.file = file
	return nil
}

// SetCallback forwards admitted entries to cb. nil removes it.
func (s *Sink) SetCallback(cb Callback) {
	if cb == nil {
		s.hook.callback.Store(nil)
		return
	}
	s.hook.callback.Store(&cb)
}

// Close releases the trace file.
func (s *Sink) Close() error {
	return s.SetFile("")
}

var (
	defaultOnce sync.Once
	defaultSink *Sink
)

// Default returns the sink for the standard logrus logger.
func Default() *Sink {
	defaultOnce.Do(func() {
		defaultSink = NewSink(logrus.StandardLogger())
	})
	return defaultSink
}

// SetFilter sets the mask of the default sink.
func SetFilter(f Filter) { Default().SetFilter(f) }

// SetFile redirects the default sink.
func SetFile(path string) error { return Default().SetFile(path) }

// SetCallback sets the callback of the default sink.
func SetCallback(cb Callback) { Default().SetCallback(cb) }
