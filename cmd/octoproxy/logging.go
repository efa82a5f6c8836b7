package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/infinigence/octoproxy/pkg/config"
)

type requestIDKey struct{}

// requestIDHook copies the request id stored by the request id middleware into
// every entry logged with that request's context.
type requestIDHook struct{}

func (requestIDHook) Levels() []logrus.Level { return logrus.AllLevels }

func (requestIDHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	if id, ok := entry.Context.Value(requestIDKey{}).(string); ok && id != "" {
		entry.Data["request_id"] = id
	}
	return nil
}

// setupLogging configures the standard logger and returns a function closing the
// log file, if any.
func setupLogging(conf *config.Config) func() {
	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.AddHook(requestIDHook{})

	if conf.LogFile == "" {
		logrus.SetOutput(os.Stderr)
		return func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   conf.LogFile,
		MaxSize:    conf.LogMaxSizeMB,
		MaxBackups: 5,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, lj))
	return func() { _ = lj.Close() }
}
