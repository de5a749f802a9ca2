// A simple telemetry package.
// Log lines go to a zap logger; counters are kept in memory and written out at shutdown.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type TelemetryData struct {
	loggerLock sync.RWMutex
	logger     *zap.SugaredLogger

	counterLock sync.Mutex
	counters    map[string]int
}

var data = TelemetryData{
	counters: make(map[string]int),
}

// init is called at program startup time to initialize the logger
func init() {
	data.logger = NewLogger(true).Sugar()
}

// NewLogger builds the production zap logger used by the server.
// Trace messages are only written when verbose is set.
func NewLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	config.OutputPaths = []string{"stdout"}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// SetLogger replaces the logger, e.g. after the command line has been parsed.
func SetLogger(l *zap.Logger) {
	data.loggerLock.Lock()
	defer data.loggerLock.Unlock()
	data.logger = l.Sugar()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = sugar().Sync()
}

func sugar() *zap.SugaredLogger {
	data.loggerLock.RLock()
	defer data.loggerLock.RUnlock()
	return data.logger
}

func Log(format string, args ...any) {
	sugar().Infof(format, args...)
}

func Trace(format string, args ...any) {
	sugar().Debugf(format, args...)
}

func Error(err error, format string, args ...any) {
	sugar().Errorw(fmt.Sprintf(format, args...), zap.Error(err))
	Increment("errors", 1)
}

// Request logs essential information about an HTTP request
func Request(r *http.Request, format string, args ...any) {
	sugar().Infow(fmt.Sprintf(format, args...), "method", r.Method, "url", r.URL.String())
}

// Increment increases a count, thread-safe
func Increment(name string, n int) {
	data.counterLock.Lock()
	defer data.counterLock.Unlock()
	data.counters[name] += n
}

func GetCounter(name string) int {
	data.counterLock.Lock()
	defer data.counterLock.Unlock()
	return data.counters[name]
}

func LogCounters() {
	s := make([]string, 0)
	data.counterLock.Lock()
	for k, v := range data.counters {
		s = append(s, fmt.Sprintf("%s=%d", k, v))
	}
	data.counterLock.Unlock()
	if len(s) == 0 {
		s = append(s, "no counters were recorded")
	}
	sort.Strings(s)
	Log(strings.Join(s, ", "))
}
