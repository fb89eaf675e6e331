package coapclient

import "github.com/sirupsen/logrus"

// Logger is a minimal logging seam: entirely optional, silent if nil.
type Logger interface {
	Printf(format string, v ...interface{})
}

// logrusLogger adapts a *logrus.Entry to the Logger interface. It is
// only used when passed in as Config.Logger; a nil Config.Logger
// disables logging.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger returns a Logger that writes through the standard
// logrus logger at Info level with fields attached (for example
// logrus.Fields{"component": "coapclient"}).
func NewLogrusLogger(fields logrus.Fields) Logger {
	return &logrusLogger{entry: logrus.WithFields(fields)}
}

func (l *logrusLogger) Printf(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (c *Client) log(format string, v ...interface{}) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Printf(format, v...)
}
