// Copyright (c) fastkeyd authors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeEnv holds small helpers for integrating with the host
// process environment (systemd readiness notification).
package runtimeEnv

import (
	"fmt"
	"os"
	"os/exec"
)

// SystemdNotify informs systemd of a readiness/status change, if the process
// was started under systemd. See
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
func SystemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	cmd.Run() // best-effort; nothing to do if systemd-notify is unavailable
}
