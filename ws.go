package main

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketConn adapts a websocket connection to net.Conn so the RFB engine
// can serve websockified clients (noVNC) over the same code path as TCP.
type WebsocketConn struct {
	Conn *websocket.Conn

	// reader holds the remainder of the current frame between Reads
	reader io.Reader
}

func (w *WebsocketConn) Read(dst []byte) (int, error) {
	for {
		if w.reader == nil {
			_, reader, err := w.Conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = reader
		}
		n, err := w.reader.Read(dst)
		if err == io.EOF {
			w.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *WebsocketConn) Write(src []byte) (int, error) {
	err := w.Conn.WriteMessage(websocket.BinaryMessage, src)
	if err != nil {
		return 0, err
	}
	return len(src), nil
}

func (w *WebsocketConn) Close() error {
	return w.Conn.Close()
}

func (w *WebsocketConn) LocalAddr() net.Addr {
	return w.Conn.LocalAddr()
}

func (w *WebsocketConn) RemoteAddr() net.Addr {
	return w.Conn.RemoteAddr()
}

func (w *WebsocketConn) SetDeadline(t time.Time) error {
	if err := w.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.Conn.SetWriteDeadline(t)
}

func (w *WebsocketConn) SetReadDeadline(t time.Time) error {
	return w.Conn.SetReadDeadline(t)
}

func (w *WebsocketConn) SetWriteDeadline(t time.Time) error {
	return w.Conn.SetWriteDeadline(t)
}
