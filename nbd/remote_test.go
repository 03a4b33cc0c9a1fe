package nbd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeBackend struct {
	image Image

	reads  int
	onRead func(offset int64, size int) ([]byte, error)

	writes []int64
}

func (b *fakeBackend) Probe(_ context.Context) (Image, error) {
	return b.image, nil
}

func (b *fakeBackend) ProbeAgain(_ context.Context) (Image, error) {
	return b.image, nil
}

func (b *fakeBackend) OnRead(_ context.Context, offset int64, size int) ([]byte, error) {
	b.reads++
	if b.onRead != nil {
		return b.onRead(offset, size)
	}
	return make([]byte, size), nil
}

func (b *fakeBackend) OnWrite(_ context.Context, offset int64, data []byte) error {
	b.writes = append(b.writes, offset)
	return nil
}

func (b *fakeBackend) RetriesDelay() time.Duration {
	return time.Millisecond
}

func (b *fakeBackend) Cleanup() error {
	return nil
}

func newTestRemote(image Image) (*Remote, *fakeBackend) {
	backend := &fakeBackend{image: image}
	remote := NewRemote(backend)
	remote.SetImage(image)
	remote.emit = func(Event) {}
	return remote, backend
}

func memoryLink(input []byte, output *bytes.Buffer) *Link {
	return &Link{
		reader: bufio.NewReader(bytes.NewReader(input)),
		writer: bufio.NewWriter(output),
	}
}

func packRequest(op uint16, cookie uint64, offset uint64, size uint32, data []byte) []byte {
	buf := make([]byte, requestHeaderSize, requestHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], requestMagic)
	binary.BigEndian.PutUint16(buf[6:8], op)
	binary.BigEndian.PutUint64(buf[8:16], cookie)
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], size)
	return append(buf, data...)
}

func TestHandleReadPastEnd(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 8192, RW: false})

	errno, _, err := remote.handleRead(context.Background(), 8192, 512)
	if err != nil {
		t.Fatal(err)
	}
	if errno != uint32(unix.EINVAL) {
		t.Fatalf("Expected EINVAL, got %d", errno)
	}
	if backend.reads != 0 {
		t.Fatalf("Expected no backend read, got %d", backend.reads)
	}
}

func TestHandleReadZeroPadding(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 1000, RW: false})
	backend.onRead = func(offset int64, size int) ([]byte, error) {
		// only 100 bytes are left past offset 900
		return bytes.Repeat([]byte{0xAA}, 100), nil
	}

	errno, data, err := remote.handleRead(context.Background(), 900, 512)
	if err != nil {
		t.Fatal(err)
	}
	if errno != 0 {
		t.Fatalf("Expected errno 0, got %d", errno)
	}
	if len(data) != 512 {
		t.Fatalf("Expected 512 bytes, got %d", len(data))
	}
	if data[99] != 0xAA || data[100] != 0x00 {
		t.Fatalf("Expected zero padding after byte 100, got %v", data[98:102])
	}
}

func TestHandleReadShortData(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 8192, RW: false})
	backend.onRead = func(offset int64, size int) ([]byte, error) {
		return make([]byte, size-1), nil
	}

	// the ranged read ends well before the end of the image, a short
	// result is a protocol violation, not a padding case
	_, _, err := remote.handleRead(context.Background(), 0, 512)
	if kind, ok := KindOf(err); !ok || kind != KindProtocol {
		t.Fatalf("Expected protocol error, got %v", err)
	}
}

func TestHandleReadTooMuchData(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 8192, RW: false})
	backend.onRead = func(offset int64, size int) ([]byte, error) {
		return make([]byte, size+1), nil
	}

	_, _, err := remote.handleRead(context.Background(), 0, 512)
	if kind, ok := KindOf(err); !ok || kind != KindProtocol {
		t.Fatalf("Expected protocol error, got %v", err)
	}
}

func TestHandleReadRetries(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 8192, RW: false})

	var events []Event
	remote.emit = func(event Event) {
		events = append(events, event)
	}
	backend.onRead = func(offset int64, size int) ([]byte, error) {
		if backend.reads < 3 {
			return nil, fmt.Errorf("transient failure")
		}
		return make([]byte, size), nil
	}

	errno, data, err := remote.handleRead(context.Background(), 0, 512)
	if err != nil {
		t.Fatal(err)
	}
	if errno != 0 || len(data) != 512 {
		t.Fatalf("Expected a clean read after retries, got errno=%d len=%d", errno, len(data))
	}
	if backend.reads != 3 {
		t.Fatalf("Expected 3 attempts, got %d", backend.reads)
	}

	// two offline reports, then back online
	if len(events) != 3 {
		t.Fatalf("Expected 3 status events, got %+v", events)
	}
	if events[0].Online || events[1].Online || !events[2].Online {
		t.Fatalf("Expected offline, offline, online, got %+v", events)
	}
}

func TestHandleWriteReadOnly(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 8192, RW: false})

	errno, err := remote.handleWrite(context.Background(), 0, make([]byte, 512))
	if err != nil {
		t.Fatal(err)
	}
	if errno != uint32(unix.EPERM) {
		t.Fatalf("Expected EPERM, got %d", errno)
	}
	if len(backend.writes) != 0 {
		t.Fatalf("Expected no backend write, got %v", backend.writes)
	}
}

func TestHandleWriteAtEnd(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 8192, RW: true})

	// the ENOSPC boundary is local, the backend must never see it
	errno, err := remote.handleWrite(context.Background(), 8192, nil)
	if err != nil {
		t.Fatal(err)
	}
	if errno != uint32(unix.ENOSPC) {
		t.Fatalf("Expected ENOSPC, got %d", errno)
	}

	errno, err = remote.handleWrite(context.Background(), 9000, make([]byte, 512))
	if err != nil {
		t.Fatal(err)
	}
	if errno != uint32(unix.ENOSPC) {
		t.Fatalf("Expected ENOSPC, got %d", errno)
	}

	if len(backend.writes) != 0 {
		t.Fatalf("Expected no backend write, got %v", backend.writes)
	}
}

func TestHandleWriteStraddlingDelegates(t *testing.T) {
	// a write starting in bounds goes to the backend even when it runs
	// past the end of the image
	remote, backend := newTestRemote(Image{Size: 8192, RW: true})

	errno, err := remote.handleWrite(context.Background(), 8000, make([]byte, 512))
	if err != nil {
		t.Fatal(err)
	}
	if errno != 0 {
		t.Fatalf("Expected errno 0, got %d", errno)
	}
	if len(backend.writes) != 1 || backend.writes[0] != 8000 {
		t.Fatalf("Expected one write at 8000, got %v", backend.writes)
	}
}

func TestHandleWriteDelegates(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 8192, RW: true})

	errno, err := remote.handleWrite(context.Background(), 1024, make([]byte, 512))
	if err != nil {
		t.Fatal(err)
	}
	if errno != 0 {
		t.Fatalf("Expected errno 0, got %d", errno)
	}
	if len(backend.writes) != 1 || backend.writes[0] != 1024 {
		t.Fatalf("Expected one write at 1024, got %v", backend.writes)
	}
}

func TestRecvRequest(t *testing.T) {
	remote, _ := newTestRemote(Image{Size: 8192})
	payload := []byte{1, 2, 3, 4}
	link := memoryLink(packRequest(opWrite, 42, 512, 4, payload), nil)

	op, cookie, offset, size, data, err := remote.recvRequest(link)
	if err != nil {
		t.Fatal(err)
	}
	if op != opWrite || cookie != 42 || offset != 512 || size != 4 {
		t.Fatalf("Expected (WRITE, 42, 512, 4), got (%d, %d, %d, %d)", op, cookie, offset, size)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("Expected %v, got %v", payload, data)
	}
}

func TestRecvRequestBadMagic(t *testing.T) {
	remote, _ := newTestRemote(Image{Size: 8192})
	request := packRequest(opRead, 1, 0, 512, nil)
	request[0] = 0xFF
	link := memoryLink(request, nil)

	_, _, _, _, _, err := remote.recvRequest(link)
	if kind, ok := KindOf(err); !ok || kind != KindProtocol {
		t.Fatalf("Expected protocol error, got %v", err)
	}
}

func TestSendResponse(t *testing.T) {
	remote, _ := newTestRemote(Image{Size: 8192})
	var out bytes.Buffer
	link := memoryLink(nil, &out)

	if err := remote.sendResponse(link, 42, 0, []byte{0xAB, 0xCD}); err != nil {
		t.Fatal(err)
	}

	response := out.Bytes()
	if len(response) != responseHeaderSize+2 {
		t.Fatalf("Expected %d bytes, got %d", responseHeaderSize+2, len(response))
	}
	if binary.BigEndian.Uint32(response[0:4]) != responseMagic {
		t.Fatalf("Expected response magic, got %x", response[0:4])
	}
	if binary.BigEndian.Uint32(response[4:8]) != 0 {
		t.Fatalf("Expected errno 0, got %x", response[4:8])
	}
	if binary.BigEndian.Uint64(response[8:16]) != 42 {
		t.Fatalf("Expected cookie 42, got %x", response[8:16])
	}
}

func TestSendResponseErrnoDropsPayload(t *testing.T) {
	remote, _ := newTestRemote(Image{Size: 8192})
	var out bytes.Buffer
	link := memoryLink(nil, &out)

	if err := remote.sendResponse(link, 1, uint32(unix.EINVAL), []byte{0xAB}); err != nil {
		t.Fatal(err)
	}
	if out.Len() != responseHeaderSize {
		t.Fatalf("Expected a bare header, got %d bytes", out.Len())
	}
}

func TestServeStopsOnDisconnect(t *testing.T) {
	remote, _ := newTestRemote(Image{Size: 8192})

	var events []Event
	var out bytes.Buffer
	link := memoryLink(packRequest(opStop, 1, 0, 0, nil), &out)

	err := remote.Serve(context.Background(), link, func(event Event) {
		events = append(events, event)
	})
	if !IsConnError(err) {
		t.Fatalf("Expected a connection error, got %v", err)
	}

	if len(events) != 1 || !events[0].Online {
		t.Fatalf("Expected a single online event, got %+v", events)
	}
}

func TestProbeAgainShapeChange(t *testing.T) {
	remote, backend := newTestRemote(Image{Size: 8192, RW: true})

	backend.image = Image{Size: 8192, RW: false}
	err := remote.probeAgain(context.Background())
	if kind, ok := KindOf(err); !ok || kind != KindRemote {
		t.Fatalf("Expected a remote error for RW -> RO, got %v", err)
	}

	backend.image = Image{Size: 4096, RW: true}
	err = remote.probeAgain(context.Background())
	if kind, ok := KindOf(err); !ok || kind != KindRemote {
		t.Fatalf("Expected a remote error for a resize, got %v", err)
	}
}
