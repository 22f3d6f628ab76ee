package relay

import "log"

// Logger receives diagnostic output from the relay components
type Logger interface {
	Printf(format string, v ...any)
	Errorf(format string, v ...any)
	Debugf(format string, v ...any)
}

type defaultLogger struct{}

func (defaultLogger) Printf(format string, v ...any) { log.Printf("[RELAY] "+format, v...) }
func (defaultLogger) Errorf(format string, v ...any) { log.Printf("[RELAY] ERROR: "+format, v...) }
func (defaultLogger) Debugf(format string, v ...any) {}
