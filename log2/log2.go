// Package log2 is the process-wide leveled logger:
// - log level filtering with safe concurrent level change
// - logs into t.Logf() so parallel tests stay readable
// - error values can be teed into a callback for accounting
package log2

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const ContextKey = "run/log"

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type FmtFunc func(format string, args ...interface{})
type FuncWriter struct{ FmtFunc }

func (fw FuncWriter) Write(b []byte) (int, error) {
	fw.FmtFunc(string(b))
	return len(b), nil
}

type Log struct {
	l       *log.Logger
	w       io.Writer
	fatalf  FmtFunc
	onerror func(error)
	level   Level
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(FuncWriter{f}, level) }

func NewTest(t testing.TB, level Level) *Log {
	l := NewFunc(t.Logf, level)
	l.fatalf = t.Fatalf
	return l
}

func ContextValueLogger(ctx context.Context, key string) *Log {
	v := ctx.Value(key)
	if v == nil {
		panic(fmt.Errorf("context['%v'] is nil", key))
	}
	if l, ok := v.(*Log); ok {
		return l
	}
	panic(fmt.Errorf("context['%v'] expected type *Log", key))
}

func (l *Log) Clone(level Level) *Log {
	if l == nil {
		return nil
	}
	n := NewWriter(l.w, level)
	n.SetFlags(l.l.Flags())
	n.fatalf = l.fatalf
	n.onerror = l.onerror
	return n
}

func (l *Log) SetLevel(lvl Level) {
	if l == nil {
		return
	}
	atomic.StoreInt32((*int32)(&l.level), int32(lvl))
}

func (l *Log) SetFlags(f int) {
	if l == nil {
		return
	}
	l.l.SetFlags(f)
}

func (l *Log) SetPrefix(prefix string) {
	if l == nil {
		return
	}
	l.l.SetPrefix(prefix)
}

// SetErrorFunc tees every Error/Errorf value into f.
// Call before sharing the logger, it is not synchronized.
func (l *Log) SetErrorFunc(f func(error)) {
	if l == nil {
		return
	}
	l.onerror = f
}

func (l *Log) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&l.level)) >= int32(level)
}

func (l *Log) Log(level Level, s string) {
	if l.Enabled(level) {
		l.l.Output(3, s)
	}
}

func (l *Log) Logf(level Level, format string, args ...interface{}) {
	if l.Enabled(level) {
		l.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (l *Log) Error(args ...interface{}) {
	if l == nil {
		return
	}
	if l.onerror != nil {
		var e error
		if len(args) == 1 {
			if x, ok := args[0].(error); ok {
				e = x
			}
		}
		if e == nil {
			e = fmt.Errorf(fmt.Sprint(args...))
		}
		l.onerror(e)
	}
	l.Log(LError, "error: "+fmt.Sprint(args...))
}

func (l *Log) Errorf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	if l.onerror != nil {
		l.onerror(fmt.Errorf(format, args...))
	}
	l.Logf(LError, "error: "+format, args...)
}

func (l *Log) Info(args ...interface{}) {
	l.Log(LInfo, fmt.Sprint(args...))
}

func (l *Log) Infof(format string, args ...interface{}) {
	l.Logf(LInfo, format, args...)
}

// Printf and Println satisfy foreign logger interfaces (paho mqtt).
func (l *Log) Printf(format string, args ...interface{}) {
	l.Logf(LInfo, format, args...)
}

func (l *Log) Println(args ...interface{}) {
	l.Log(LInfo, fmt.Sprint(args...))
}

func (l *Log) Debug(args ...interface{}) {
	l.Log(LDebug, "debug: "+fmt.Sprint(args...))
}

func (l *Log) Debugf(format string, args ...interface{}) {
	l.Logf(LDebug, "debug: "+format, args...)
}

func (l *Log) Fatalf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	if l.fatalf != nil {
		l.fatalf(format, args...)
	} else {
		l.Logf(LError, "fatal: "+format, args...)
		os.Exit(1)
	}
}

func (l *Log) Fatal(args ...interface{}) {
	if l == nil {
		return
	}
	s := fmt.Sprint(args...)
	if l.fatalf != nil {
		l.fatalf(s)
	} else {
		l.Logf(LError, "fatal: "+s)
		os.Exit(1)
	}
}
