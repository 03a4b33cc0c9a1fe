package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// NBD network protocol framing.
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md
const (
	requestMagic  uint32 = 0x25609513
	responseMagic uint32 = 0x67446698

	opRead  uint16 = 0
	opWrite uint16 = 1
	opStop  uint16 = 2 // NBD_CMD_DISC, sent by the kernel on disconnect

	requestHeaderSize  = 28
	responseHeaderSize = 16
)

// Backend is a pluggable byte-range provider behind the responder.
type Backend interface {
	// Probe inspects the remote resource once before serving.
	Probe(ctx context.Context) (Image, error)

	// ProbeAgain re-inspects the resource during an active session.
	ProbeAgain(ctx context.Context) (Image, error)

	OnRead(ctx context.Context, offset int64, size int) ([]byte, error)
	OnWrite(ctx context.Context, offset int64, data []byte) error

	// RetriesDelay paces the read retry loop.
	RetriesDelay() time.Duration

	Cleanup() error
}

// Remote is the remote-request responder: it reads kernel requests off the
// link, enforces the image contract and delegates I/O to the backend.
type Remote struct {
	backend Backend

	image *Image
	emit  func(Event)
}

func NewRemote(backend Backend) *Remote {
	return &Remote{
		backend: backend,
	}
}

// Probe probes the backend and pins the resulting image.
func (r *Remote) Probe(ctx context.Context) (Image, error) {
	image, err := r.backend.Probe(ctx)
	if err != nil {
		return Image{}, err
	}
	r.image = &image
	return image, nil
}

// SetImage pins an image probed elsewhere (by the parent process).
func (r *Remote) SetImage(image Image) {
	r.image = &image
}

// Serve runs the request loop until the kernel disconnects or a fatal error
// occurs. emit carries status events to the cross-process queue.
func (r *Remote) Serve(ctx context.Context, link *Link, emit func(Event)) error {
	if r.image == nil {
		return Errorf(KindGeneral, "serve without probe")
	}
	r.emit = emit

	// validate the image before serving: the resource may have changed
	// shape between probe and bind
	if err := r.probeAgain(ctx); err != nil {
		return err
	}
	r.sendStatusOK()

	for {
		op, cookie, offset, size, data, err := r.recvRequest(link)
		if err != nil {
			return err
		}

		var errno uint32
		var payload []byte
		switch op {
		case opRead:
			errno, payload, err = r.handleRead(ctx, offset, int(size))
		case opWrite:
			errno, err = r.handleWrite(ctx, offset, data)
		case opStop:
			return Errorf(KindConn, "closed by kernel")
		default:
			return Errorf(KindProtocol, "unknown OP received: 0x%X", op)
		}
		if err != nil {
			return err
		}

		if err = r.sendResponse(link, cookie, errno, payload); err != nil {
			return err
		}
	}
}

// Cleanup releases the backend session.
func (r *Remote) Cleanup() error {
	err := r.backend.Cleanup()
	r.image = nil
	r.emit = nil
	return err
}

// =====

func (r *Remote) probeAgain(ctx context.Context) error {
	image, err := r.backend.ProbeAgain(ctx)
	if err != nil {
		return err
	}
	if r.image.RW && !image.RW {
		return Errorf(KindRemote, "the source permissions changed: RW -> RO")
	}
	if r.image.Size != image.Size {
		return Errorf(KindRemote, "the source file has a new size: %d -> %d", r.image.Size, image.Size)
	}
	return nil
}

func (r *Remote) sendStatusOK() {
	r.emit(RemoteEvent(true, "Online"))
}

func (r *Remote) sendStatusError(msg string) {
	r.emit(RemoteEvent(false, msg))
}

// =====

func (r *Remote) recvRequest(link *Link) (op uint16, cookie uint64, offset int64, size uint32, data []byte, err error) {
	header := make([]byte, requestHeaderSize)
	if _, err = io.ReadFull(link.reader, header); err != nil {
		return 0, 0, 0, 0, nil, wrapError(KindConn, "can't receive request", err)
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	flags := binary.BigEndian.Uint16(header[4:6])
	op = binary.BigEndian.Uint16(header[6:8])
	cookie = binary.BigEndian.Uint64(header[8:16])
	offset = int64(binary.BigEndian.Uint64(header[16:24]))
	size = binary.BigEndian.Uint32(header[24:28])

	if op == opWrite && size > 0 {
		data = make([]byte, size)
		if _, err = io.ReadFull(link.reader, data); err != nil {
			return 0, 0, 0, 0, nil, wrapError(KindConn, "can't receive request", err)
		}
	}

	if magic != requestMagic {
		return 0, 0, 0, 0, nil, Errorf(KindProtocol, "invalid request magic: 0x%X", magic)
	}
	if flags != 0 {
		return 0, 0, 0, 0, nil, Errorf(KindProtocol, "got non-zero request flags: 0x%X", flags)
	}
	return op, cookie, offset, size, data, nil
}

func (r *Remote) sendResponse(link *Link, cookie uint64, errno uint32, data []byte) error {
	header := make([]byte, responseHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], responseMagic)
	binary.BigEndian.PutUint32(header[4:8], errno)
	binary.BigEndian.PutUint64(header[8:16], cookie)

	if _, err := link.writer.Write(header); err != nil {
		return wrapError(KindConn, "can't send response", err)
	}
	if errno == 0 && len(data) > 0 {
		if _, err := link.writer.Write(data); err != nil {
			return wrapError(KindConn, "can't send response", err)
		}
	}
	if err := link.writer.Flush(); err != nil {
		return wrapError(KindConn, "can't send response", err)
	}
	return nil
}

// =====

func (r *Remote) handleRead(ctx context.Context, offset int64, size int) (uint32, []byte, error) {
	if offset >= r.image.Size {
		return uint32(unix.EINVAL), nil, nil
	}

	data, err := r.readRetry(ctx, offset, size)
	if err != nil {
		return 0, nil, err
	}

	if len(data) < size {
		if offset+int64(size) > r.image.Size {
			data = append(data, make([]byte, size-len(data))...)
		} else {
			return 0, nil, Errorf(KindProtocol, "insufficient READ data")
		}
	} else if len(data) > size {
		return 0, nil, Errorf(KindProtocol, "too much READ data")
	}

	return 0, data, nil
}

// readRetry retries transient backend failures indefinitely with a fixed
// delay, re-probing the image before every retry. Domain errors (a changed
// resource) are fatal.
func (r *Remote) readRetry(ctx context.Context, offset int64, size int) ([]byte, error) {
	attempts := 0
	for {
		if attempts > 0 {
			if err := r.probeAgain(ctx); err != nil {
				return nil, err
			}
		}

		data, err := r.backend.OnRead(ctx, offset, size)
		if err == nil {
			if attempts > 0 {
				r.sendStatusOK()
			}
			return data, nil
		}

		var ne *Error
		if errors.As(err, &ne) {
			return nil, err
		}

		attempts++
		r.sendStatusError(fmt.Sprintf("READ: %v; retrying (%d) ...", err, attempts))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.backend.RetriesDelay()):
		}
	}
}

func (r *Remote) handleWrite(ctx context.Context, offset int64, data []byte) (uint32, error) {
	if !r.image.RW {
		return uint32(unix.EPERM), nil
	}
	if offset >= r.image.Size {
		return uint32(unix.ENOSPC), nil
	}
	if err := r.backend.OnWrite(ctx, offset, data); err != nil {
		return 0, err
	}
	return 0, nil
}
