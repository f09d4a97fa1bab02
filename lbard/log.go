package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Structured logging via github.com/charmbracelet/log,
 *		plus a daily-rotating debug mirror file named with
 *		github.com/lestrrat-go/strftime for the offline
 *		diagnostic side channel.
 *
 *------------------------------------------------------------------*/

import (
	"io"
	"os"
	"path/filepath"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Logger is the small surface the rest of the package depends on, so
// test code can supply a fake.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// charmLogger adapts *charmlog.Logger to Logger.
type charmLogger struct {
	l *charmlog.Logger
}

// NewLogger builds a Logger writing to w at the given level - a single
// shared logger, configured once at startup.
func NewLogger(w io.Writer, level charmlog.Level) Logger {
	l := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		ReportCaller:    false,
		Level:           level,
	})
	return &charmLogger{l: l}
}

func (c *charmLogger) Debugf(format string, args ...any) { c.l.Debugf(format, args...) }
func (c *charmLogger) Infof(format string, args ...any)  { c.l.Infof(format, args...) }
func (c *charmLogger) Warnf(format string, args ...any)  { c.l.Warnf(format, args...) }
func (c *charmLogger) Errorf(format string, args ...any) { c.l.Errorf(format, args...) }

// DailyFileNamer resolves a strftime pattern (e.g.
// "lbard-mirror-%Y-%m-%d.log") against the current time, for the
// Rhizome debug mirror's daily log rotation.
type DailyFileNamer struct {
	pattern *strftime.Strftime
	dir     string
}

// NewDailyFileNamer compiles pattern once; dir is prepended to every
// resolved name.
func NewDailyFileNamer(dir, pattern string) (*DailyFileNamer, error) {
	f, err := strftime.New(pattern)
	if err != nil {
		return nil, err
	}
	return &DailyFileNamer{pattern: f, dir: dir}, nil
}

// NameFor returns the full path for the log file covering when.
func (n *DailyFileNamer) NameFor(when time.Time) string {
	return filepath.Join(n.dir, n.pattern.FormatString(when))
}

// OpenToday opens (creating/appending) today's log file.
func (n *DailyFileNamer) OpenToday() (*os.File, error) {
	name := n.NameFor(time.Now())
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
