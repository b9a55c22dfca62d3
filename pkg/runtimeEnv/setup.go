// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package runtimeEnv

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/joho/godotenv"
)

// LoadEnv reads file as a .env file and adds every variable definition
// found directly to the process environment.
func LoadEnv(file string) error {
	vars, err := godotenv.Read(file)
	if err != nil {
		return err
	}
	for key, val := range vars {
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("runtimeEnv: setenv %s: %w", key, err)
		}
	}
	return nil
}

// SystemdNotifiy informs systemd that the process is running, if started via systemd.
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
func SystemdNotifiy(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		// Not started using systemd
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
	cmd.Run() // errors ignored on purpose, there is not much to do anyways.
}
