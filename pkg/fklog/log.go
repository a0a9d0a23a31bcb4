// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fklog provides a small, level-based logging facility.
//
// Time/date are not logged by default because systemd adds them for us; call
// SetLogDateTime(true) to enable timestamps when running outside of systemd. Uses the
// syslog-style priority prefixes described at
// https://www.freedesktop.org/software/systemd/man/sd-daemon.html
package fklog

import (
	"fmt"
	"io"
	"log"
	"os"
)

var logDateTime bool

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]   "
	InfoPrefix  string = "<6>[INFO]    "
	WarnPrefix  string = "<4>[WARNING] "
	ErrPrefix   string = "<3>[ERROR]   "
)

var (
	DebugLog *log.Logger = log.New(DebugWriter, DebugPrefix, 0)
	InfoLog  *log.Logger = log.New(InfoWriter, InfoPrefix, 0)
	WarnLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.Lshortfile)
	ErrLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.Llongfile)

	DebugTimeLog *log.Logger = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	InfoTimeLog  *log.Logger = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	WarnTimeLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	ErrTimeLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
)

// SetLevel discards output below the given level: "debug", "info", "warn", or "err".
func SetLevel(lvl string) {
	switch lvl {
	case "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
	default:
		fmt.Printf("fklog: invalid loglevel %q, using \"debug\"\n", lvl)
		SetLevel("debug")
	}
}

func SetLogDateTime(v bool) {
	logDateTime = v
}

func str(v ...any) string { return fmt.Sprint(v...) }

func Debug(v ...any) {
	if DebugWriter != io.Discard {
		if logDateTime {
			DebugTimeLog.Output(2, str(v...))
		} else {
			DebugLog.Output(2, str(v...))
		}
	}
}

func Info(v ...any) {
	if InfoWriter != io.Discard {
		if logDateTime {
			InfoTimeLog.Output(2, str(v...))
		} else {
			InfoLog.Output(2, str(v...))
		}
	}
}

func Warn(v ...any) {
	if WarnWriter != io.Discard {
		if logDateTime {
			WarnTimeLog.Output(2, str(v...))
		} else {
			WarnLog.Output(2, str(v...))
		}
	}
}

func Error(v ...any) {
	if ErrWriter != io.Discard {
		if logDateTime {
			ErrTimeLog.Output(2, str(v...))
		} else {
			ErrLog.Output(2, str(v...))
		}
	}
}

// Fatal logs and exits with status 1.
func Fatal(v ...any) {
	Error(v...)
	os.Exit(1)
}

func fstr(format string, v ...any) string { return fmt.Sprintf(format, v...) }

func Debugf(format string, v ...any) {
	if DebugWriter != io.Discard {
		if logDateTime {
			DebugTimeLog.Output(2, fstr(format, v...))
		} else {
			DebugLog.Output(2, fstr(format, v...))
		}
	}
}

func Infof(format string, v ...any) {
	if InfoWriter != io.Discard {
		if logDateTime {
			InfoTimeLog.Output(2, fstr(format, v...))
		} else {
			InfoLog.Output(2, fstr(format, v...))
		}
	}
}

func Warnf(format string, v ...any) {
	if WarnWriter != io.Discard {
		if logDateTime {
			WarnTimeLog.Output(2, fstr(format, v...))
		} else {
			WarnLog.Output(2, fstr(format, v...))
		}
	}
}

func Errorf(format string, v ...any) {
	if ErrWriter != io.Discard {
		if logDateTime {
			ErrTimeLog.Output(2, fstr(format, v...))
		} else {
			ErrLog.Output(2, fstr(format, v...))
		}
	}
}

func Fatalf(format string, v ...any) {
	Errorf(format, v...)
	os.Exit(1)
}
