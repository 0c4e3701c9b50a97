package logging

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the leveled, structured logger handed to every component. The w variants take
// alternating keys and values.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	SetLevel(level Level)
	GetLevel() Level
	// Sublogger returns a logger named after this one and subname. It starts at the level of
	// its parent and shares its appenders.
	Sublogger(subname string) Logger
	// AddAppender adds an output to the logger, its parent and every sublogger.
	AddAppender(appender Appender)
	Sync() error
}

// appenderSet is shared by a logger and its subloggers.
type appenderSet struct {
	mu   sync.RWMutex
	list []Appender
}

func (s *appenderSet) add(a Appender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, a)
}

func (s *appenderSet) snapshot() []Appender {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list
}

type logger struct {
	name      string
	level     AtomicLevel
	inUTC     bool
	clk       clock.Clock
	appenders *appenderSet
}

func newLogger(name string, level Level, inUTC bool, appenders ...Appender) *logger {
	return &logger{
		name:      name,
		level:     NewAtomicLevelAt(level),
		inUTC:     inUTC,
		clk:       clock.New(),
		appenders: &appenderSet{list: appenders},
	}
}

func (l *logger) AddAppender(appender Appender) {
	l.appenders.add(appender)
}

func (l *logger) SetLevel(level Level) {
	l.level.Set(level)
}

func (l *logger) GetLevel() Level {
	return l.level.Get()
}

func (l *logger) Sublogger(subname string) Logger {
	name := subname
	if l.name != "" {
		name = l.name + "." + subname
	}
	return &logger{
		name:      name,
		level:     NewAtomicLevelAt(l.level.Get()),
		inUTC:     l.inUTC,
		clk:       l.clk,
		appenders: l.appenders,
	}
}

func (l *logger) Sync() error {
	var err error
	for _, a := range l.appenders.snapshot() {
		err = multierr.Combine(err, a.Sync())
	}
	return err
}

func (l *logger) enabled(level Level) bool {
	return level >= l.level.Get()
}

// emit must be called directly by the exported logging methods so that the caller two frames up
// is the code that logged.
func (l *logger) emit(level Level, msg string, fields []zapcore.Field) {
	now := l.clk.Now()
	if l.inUTC {
		now = now.UTC()
	}
	entry := zapcore.Entry{
		Level:      level.AsZap(),
		Time:       now,
		LoggerName: l.name,
		Message:    msg,
		Caller:     zapcore.NewEntryCaller(runtime.Caller(2)),
	}
	for _, a := range l.appenders.snapshot() {
		if err := a.Write(entry, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// fieldsOf pairs keys with their values. A trailing key without a value is kept with an error
// value so that it is not silently dropped.
func fieldsOf(keysAndValues []interface{}) []zapcore.Field {
	fields := make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			fields = append(fields, zap.String(key, "unpaired log key"))
			break
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}

func (l *logger) Debug(args ...interface{}) {
	if l.enabled(DEBUG) {
		l.emit(DEBUG, fmt.Sprint(args...), nil)
	}
}

func (l *logger) Debugf(template string, args ...interface{}) {
	if l.enabled(DEBUG) {
		l.emit(DEBUG, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) Debugw(msg string, keysAndValues ...interface{}) {
	if l.enabled(DEBUG) {
		l.emit(DEBUG, msg, fieldsOf(keysAndValues))
	}
}

func (l *logger) Info(args ...interface{}) {
	if l.enabled(INFO) {
		l.emit(INFO, fmt.Sprint(args...), nil)
	}
}

func (l *logger) Infof(template string, args ...interface{}) {
	if l.enabled(INFO) {
		l.emit(INFO, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) Infow(msg string, keysAndValues ...interface{}) {
	if l.enabled(INFO) {
		l.emit(INFO, msg, fieldsOf(keysAndValues))
	}
}

func (l *logger) Warn(args ...interface{}) {
	if l.enabled(WARN) {
		l.emit(WARN, fmt.Sprint(args...), nil)
	}
}

func (l *logger) Warnf(template string, args ...interface{}) {
	if l.enabled(WARN) {
		l.emit(WARN, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) Warnw(msg string, keysAndValues ...interface{}) {
	if l.enabled(WARN) {
		l.emit(WARN, msg, fieldsOf(keysAndValues))
	}
}

func (l *logger) Error(args ...interface{}) {
	if l.enabled(ERROR) {
		l.emit(ERROR, fmt.Sprint(args...), nil)
	}
}

func (l *logger) Errorf(template string, args ...interface{}) {
	if l.enabled(ERROR) {
		l.emit(ERROR, fmt.Sprintf(template, args...), nil)
	}
}

func (l *logger) Errorw(msg string, keysAndValues ...interface{}) {
	if l.enabled(ERROR) {
		l.emit(ERROR, msg, fieldsOf(keysAndValues))
	}
}
