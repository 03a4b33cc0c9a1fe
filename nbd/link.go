package nbd

import (
	"bufio"
	"os"

	"golang.org/x/sys/unix"
)

// Link owns a connected Unix socket pair: one raw end is handed to the
// kernel via NBD_SET_SOCK, the other is driven by the remote responder.
// Shutdown hits both raw sockets to unblock a thread stuck inside the
// NBD_DO_IT ioctl.
type Link struct {
	deviceFD   int
	remoteFD   int
	remoteFile *os.File

	reader *bufio.Reader
	writer *bufio.Writer
}

func OpenLink() (*Link, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, wrapError(KindGeneral, "can't create socket pair", err)
	}

	remoteFile := os.NewFile(uintptr(fds[1]), "nbd-remote")
	return &Link{
		deviceFD:   fds[0],
		remoteFD:   fds[1],
		remoteFile: remoteFile,
		reader:     bufio.NewReader(remoteFile),
		writer:     bufio.NewWriter(remoteFile),
	}, nil
}

// DeviceFD is the kernel-facing socket descriptor.
func (l *Link) DeviceFD() int {
	return l.deviceFD
}

// Shutdown unblocks both ends; safe to call more than once and from any
// goroutine.
func (l *Link) Shutdown() {
	_ = unix.Shutdown(l.deviceFD, unix.SHUT_RDWR)
	_ = unix.Shutdown(l.remoteFD, unix.SHUT_RDWR)
}

func (l *Link) Close() {
	_ = unix.Close(l.deviceFD)
	_ = l.remoteFile.Close()
}
