package rfb

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"time"
)

// stream wraps a client connection with big-endian wire primitives.
// Writes accumulate in the buffer until flush; readers translate EOF and
// resets into ConnectionError.
type stream struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	remote string
}

func newStream(conn net.Conn) *stream {
	return &stream{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		remote: conn.RemoteAddr().String(),
	}
}

func (s *stream) readBytes(msg string, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(s.reader, buf); err != nil {
		return nil, &ConnectionError{Op: "can't read " + msg, Err: err}
	}
	return buf, nil
}

func (s *stream) readU8(msg string) (uint8, error) {
	buf, err := s.readBytes(msg, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (s *stream) readU16(msg string) (uint16, error) {
	buf, err := s.readBytes(msg, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (s *stream) readU32(msg string) (uint32, error) {
	buf, err := s.readBytes(msg, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (s *stream) readS32(msg string) (int32, error) {
	value, err := s.readU32(msg)
	return int32(value), err
}

func (s *stream) readText(msg string, length int) (string, error) {
	buf, err := s.readBytes(msg, length)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// =====

func (s *stream) writeBytes(value []byte) {
	// bufio errors surface on flush
	_, _ = s.writer.Write(value)
}

func (s *stream) writeU8(value uint8) {
	_ = s.writer.WriteByte(value)
}

func (s *stream) writeU16(value uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], value)
	_, _ = s.writer.Write(buf[:])
}

func (s *stream) writeU32(value uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	_, _ = s.writer.Write(buf[:])
}

func (s *stream) writeS32(value int32) {
	s.writeU32(uint32(value))
}

func (s *stream) flush(msg string) error {
	if err := s.writer.Flush(); err != nil {
		return &ConnectionError{Op: "can't write " + msg, Err: err}
	}
	return nil
}

// writeReason writes a length-prefixed UTF-8 string.
func (s *stream) writeReason(msg string, text string, drain bool) error {
	encoded := []byte(text)
	s.writeU32(uint32(len(encoded)))
	s.writeBytes(encoded)
	if drain {
		return s.flush(msg)
	}
	return nil
}

// writeFBUpdate writes a one-rect FramebufferUpdate header.
func (s *stream) writeFBUpdate(msg string, width, height uint16, encoding int32, drain bool) error {
	s.writeU8(0)  // FB update
	s.writeU8(0)  // padding
	s.writeU16(1) // number of rects
	s.writeU16(0)
	s.writeU16(0)
	s.writeU16(width)
	s.writeU16(height)
	s.writeS32(encoding)
	if drain {
		return s.flush(msg)
	}
	return nil
}

// =====

// startTLS upgrades the connection in place. Any pending output must be
// drained first; the client is not allowed to send anything between selecting
// a TLS auth type and its ClientHello.
func (s *stream) startTLS(tlsConfig *tls.Config, timeout time.Duration) error {
	if err := s.flush("TLS preface"); err != nil {
		return err
	}
	if s.reader.Buffered() > 0 {
		return Protocolf("unexpected client data before TLS handshake")
	}

	tlsConn := tls.Server(s.conn, tlsConfig)
	if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return &ConnectionError{Op: "can't start TLS", Err: err}
	}
	if err := tlsConn.Handshake(); err != nil {
		return &ConnectionError{Op: "can't start TLS", Err: err}
	}
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return &ConnectionError{Op: "can't start TLS", Err: err}
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	return nil
}

func (s *stream) closeStream() error {
	_ = s.writer.Flush()
	return s.conn.Close()
}
