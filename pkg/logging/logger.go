package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

var (
	DebugLogger *log.Logger
	InfoLogger  *log.Logger
	WarnLogger  *log.Logger
	ErrorLogger *log.Logger

	debugEnabled bool
)

// InitLogging initializes logging
func InitLogging() {
	InitLoggingWithOutput(os.Stdout, os.Stderr, os.Getenv("LOG_LEVEL") == "debug")
}

// InitLoggingWithOutput initializes logging against explicit writers.
// Tests use it to capture or silence output.
func InitLoggingWithOutput(out, errOut io.Writer, debug bool) {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	DebugLogger = log.New(out, "DEBUG: ", flags)
	InfoLogger = log.New(out, "INFO: ", flags)
	WarnLogger = log.New(errOut, "WARN: ", flags)
	ErrorLogger = log.New(errOut, "ERROR: ", flags)
	debugEnabled = debug
}

// Debugf logs debug level messages, only when debug logging is enabled
func Debugf(format string, v ...interface{}) {
	if DebugLogger != nil && debugEnabled {
		DebugLogger.Output(2, sprintf(format, v...))
	}
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Output(2, sprintf(format, v...))
	}
}

// Warnf logs warning level messages
func Warnf(format string, v ...interface{}) {
	if WarnLogger != nil {
		WarnLogger.Output(2, sprintf(format, v...))
	}
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Output(2, sprintf(format, v...))
	}
}

func sprintf(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}
