//go:build !linux

package sandbox

import "syscall"

// sysProcAttr puts the child in its own process group so a timeout kill
// reaches the whole tree. Pdeathsig is not available on non-Linux
// platforms.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
