// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/logging"
)

// pionLoggerFactory routes pion's internal logging through mlog.
type pionLoggerFactory struct {
	log mlog.LoggerIFace
}

func newPionLoggerFactory(log mlog.LoggerIFace) logging.LoggerFactory {
	return &pionLoggerFactory{
		log: log,
	}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{
		log:   f.log,
		scope: scope,
	}
}

type pionLogger struct {
	log   mlog.LoggerIFace
	scope string
}

func (log *pionLogger) fields() []mlog.Field {
	return []mlog.Field{mlog.String("scope", log.scope)}
}

func (log *pionLogger) Trace(msg string) {
	log.log.Trace(msg, log.fields()...)
}

func (log *pionLogger) Tracef(format string, args ...interface{}) {
	log.log.Trace(fmt.Sprintf(format, args...), log.fields()...)
}

// pion is very chatty at debug level so it's mapped to trace.
func (log *pionLogger) Debug(msg string) {
	log.log.Trace(msg, log.fields()...)
}

func (log *pionLogger) Debugf(format string, args ...interface{}) {
	log.log.Trace(fmt.Sprintf(format, args...), log.fields()...)
}

func (log *pionLogger) Info(msg string) {
	log.log.Info(msg, log.fields()...)
}

func (log *pionLogger) Infof(format string, args ...interface{}) {
	log.log.Info(fmt.Sprintf(format, args...), log.fields()...)
}

func (log *pionLogger) Warn(msg string) {
	log.log.Warn(msg, log.fields()...)
}

func (log *pionLogger) Warnf(format string, args ...interface{}) {
	log.log.Warn(fmt.Sprintf(format, args...), log.fields()...)
}

func (log *pionLogger) Error(msg string) {
	log.log.Error(msg, log.fields()...)
}

func (log *pionLogger) Errorf(format string, args ...interface{}) {
	log.log.Error(fmt.Sprintf(format, args...), log.fields()...)
}
