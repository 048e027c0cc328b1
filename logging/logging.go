// Package logging provides the classification-prefixed log formatter
// every component logs through: a single logrus.FieldLogger injected
// at construction, never a package-global logger.
package logging

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// levelPrefix renders a logrus level as the bracketed classification
// the run loop's diagnostics use.
var levelPrefix = map[logrus.Level]string{
	logrus.PanicLevel: "[ERROR]",
	logrus.FatalLevel: "[ERROR]",
	logrus.ErrorLevel: "[ERROR]",
	logrus.WarnLevel:  "[WARN]",
	logrus.InfoLevel:  "[INFO]",
	logrus.DebugLevel: "[INFO]",
	logrus.TraceLevel: "[INFO]",
}

// Formatter renders "[LEVEL] message component=x key=val ...".
type Formatter struct{}

// Format implements logrus.Formatter.
func (Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	prefix, ok := levelPrefix[entry.Level]
	if !ok {
		prefix = "[INFO]"
	}

	fmt.Fprintf(&buf, "%s %s", prefix, entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Data[k])
	}

	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// New returns a logger using Formatter at level, with component set as
// a permanent field on every entry it produces.
func New(level logrus.Level, component string) *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(Formatter{})
	l.SetLevel(level)

	return l.WithField("component", component)
}

// VerbosityToLevel maps the CLI's repeatable -v count onto a logrus
// level: 0=warn, 1=info, 2=debug, 3+=trace.
func VerbosityToLevel(count int) logrus.Level {
	switch {
	case count <= 0:
		return logrus.WarnLevel
	case count == 1:
		return logrus.InfoLevel
	case count == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}
