//go:build !unix

package util

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
