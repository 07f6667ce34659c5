package logger

import (
	"fmt"

	"github.com/golang/glog"
)

// debugLevel is the glog verbosity that turns Debugf on.
const debugLevel glog.Level = 2

// GlogLogger implements the Logger interface on top of glog. depth is added to the call depth
// so that file:line points at the caller of the package level helpers.
type GlogLogger struct {
	depth int
}

func NewGlogLogger() Logger {
	return &GlogLogger{depth: 2}
}

func (logger *GlogLogger) Debugf(msg string, args ...any) {
	if glog.V(debugLevel) {
		glog.InfoDepth(logger.depth, fmt.Sprintf(msg, args...))
	}
}

func (logger *GlogLogger) Infof(msg string, args ...any) {
	glog.InfoDepth(logger.depth, fmt.Sprintf(msg, args...))
}

func (logger *GlogLogger) Warnf(msg string, args ...any) {
	glog.WarningDepth(logger.depth, fmt.Sprintf(msg, args...))
}

func (logger *GlogLogger) Errorf(msg string, args ...any) {
	glog.ErrorDepth(logger.depth, fmt.Sprintf(msg, args...))
}

// Fatalf logs and exits the process.
func (logger *GlogLogger) Fatalf(msg string, args ...any) {
	glog.FatalDepth(logger.depth, fmt.Sprintf(msg, args...))
}
