package sandbox

import "syscall"

// sysProcAttr puts the child in its own process group so a timeout kill
// reaches the whole tree. Pdeathsig is a Linux-only safety net: if the
// host dies unexpectedly, the kernel sends SIGKILL to the direct child.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
