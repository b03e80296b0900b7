package internal

import (
	"github.com/sirupsen/logrus"
)

// Logger is shared across the pipeline. Tests may swap level or output.
var Logger = logrus.New()

// SetLogLevel configures Logger from a level name. Unknown names are ignored.
func SetLogLevel(level string) {
	switch level {
	case "TRACE":
		Logger.SetLevel(logrus.TraceLevel)
	case "DEBUG":
		Logger.SetLevel(logrus.DebugLevel)
	case "INFO":
		Logger.SetLevel(logrus.InfoLevel)
	case "WARN":
		Logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		Logger.SetLevel(logrus.ErrorLevel)
	}
}
