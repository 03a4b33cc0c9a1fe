package nbd

import (
	"math"
	"runtime"
	"time"

	"github.com/allape/gogger"
	"golang.org/x/sys/unix"
)

var l = gogger.New("nbd")

// Kernel controls, from <linux/nbd.h> and <linux/fs.h>.
type deviceCtl struct {
	req  uint
	name string
}

var (
	nbdSetSock       = deviceCtl{0xAB00, "NBD_SET_SOCK"}
	nbdSetBlksize    = deviceCtl{0xAB01, "NBD_SET_BLKSIZE"}
	nbdDoIt          = deviceCtl{0xAB03, "NBD_DO_IT"}
	nbdClearSock     = deviceCtl{0xAB04, "NBD_CLEAR_SOCK"}
	nbdSetSizeBlocks = deviceCtl{0xAB07, "NBD_SET_SIZE_BLOCKS"}
	nbdDisconnect    = deviceCtl{0xAB08, "NBD_DISCONNECT"}
	nbdSetTimeout    = deviceCtl{0xAB09, "NBD_SET_TIMEOUT"}
	nbdSetFlags      = deviceCtl{0xAB0A, "NBD_SET_FLAGS"}
	blkroset         = deviceCtl{0x125D, "BLKROSET"}
)

const nbdFlagReadOnly = 2

func ioctl(fd int, ctl deviceCtl, value int) error {
	if err := unix.IoctlSetInt(fd, ctl.req, value); err != nil {
		return wrapError(KindDevice, "ioctl "+ctl.name+" error", err)
	}
	return nil
}

func ioctlPtr(fd int, ctl deviceCtl, value int) error {
	if err := unix.IoctlSetPointerInt(fd, ctl.req, value); err != nil {
		return wrapError(KindDevice, "ioctl "+ctl.name+" error", err)
	}
	return nil
}

// Device drives one /dev/nbdN node through the kernel ioctl sequence.
type Device struct {
	path    string
	block   int
	timeout time.Duration
}

func NewDevice(path string, block int, timeout time.Duration) *Device {
	return &Device{
		path:    path,
		block:   block,
		timeout: timeout,
	}
}

func (d *Device) Path() string {
	return d.path
}

// OpenClose is the liveness probe used by the checker subtask: a prepared
// device node must open and close without blocking.
func (d *Device) OpenClose() error {
	fd, err := unix.Open(d.path, unix.O_RDONLY, 0)
	if err != nil {
		return wrapError(KindDevice, "can't open "+d.path, err)
	}
	return unix.Close(fd)
}

// OpenPrepared opens the device, runs the cleanup and prepare ioctl
// sequences and invokes fn with the open descriptor. Cleanup is re-issued
// and the descriptor closed on every exit path; cleanup failures are logged,
// not raised.
func (d *Device) OpenPrepared(link *Link, image Image, fn func(fd int) error) error {
	fd, err := unix.Open(d.path, unix.O_RDWR, 0)
	if err != nil {
		return wrapError(KindDevice, "can't open "+d.path, err)
	}
	defer func() {
		if err := d.cleanup(fd); err != nil {
			l.Error().Println("cleanup error:", err)
		}
		_ = unix.Close(fd)
	}()

	// the previous owner may have left the device half-bound
	if err := d.cleanup(fd); err != nil {
		l.Verbose().Println("pre-bind cleanup:", err)
	}

	if err := d.prepare(fd, image, link.DeviceFD()); err != nil {
		return err
	}
	return fn(fd)
}

// DoIt runs the kernel NBD transport; it only returns when the kernel
// session ends. The calling goroutine is pinned since the ioctl blocks the
// OS thread for the whole session.
func (d *Device) DoIt(fd int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.Info().Println("running NBD_DO_IT ...")
	err := ioctl(fd, nbdDoIt, 0)
	l.Info().Println("stopped NBD_DO_IT")
	return err
}

// blockCount rounds the image size up to whole device blocks.
func blockCount(size int64, block int) int64 {
	return (size + int64(block) - 1) / int64(block)
}

func (d *Device) prepare(fd int, image Image, sockFD int) error {
	blocks := blockCount(image.Size, d.block)
	flags := 0
	if !image.RW {
		flags = nbdFlagReadOnly
	}
	roValue := 0
	if !image.RW {
		roValue = 1
	}

	l.Info().Printf("preparing %s: bytes=%d, bs=%d, blocks=%d, rw=%t ...",
		d.path, image.Size, d.block, blocks, image.RW)

	if err := ioctl(fd, nbdSetBlksize, d.block); err != nil {
		return err
	}
	if err := ioctl(fd, nbdSetSizeBlocks, int(blocks)); err != nil {
		return err
	}
	if err := ioctl(fd, nbdSetFlags, flags); err != nil {
		return err
	}
	if err := ioctlPtr(fd, blkroset, roValue); err != nil {
		return err
	}
	if err := ioctl(fd, nbdSetTimeout, int(math.Ceil(d.timeout.Seconds()))); err != nil {
		return err
	}
	if err := ioctl(fd, nbdSetSock, sockFD); err != nil {
		return err
	}

	l.Info().Println("prepared")
	return nil
}

func (d *Device) cleanup(fd int) error {
	// should always be OK according to the kernel sources
	if err := ioctl(fd, nbdDisconnect, 0); err != nil {
		return err
	}
	return ioctl(fd, nbdClearSock, 0)
}
