package kvm

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/allape/gogger"
	"github.com/kvmgate/kvmgate/config"
	"github.com/kvmgate/kvmgate/kvm/codec"
	"github.com/kvmgate/kvmgate/kvm/video"
	"github.com/kvmgate/kvmgate/rfb"
	"github.com/kvmgate/kvmgate/vncauth"
)

var l = gogger.New("kvm")

// KeyboardDriver receives decoded key events from a session.
type KeyboardDriver interface {
	SendKeyEvent(code uint32, pressed bool) error
}

// MouseDriver receives decoded pointer events from a session.
type MouseDriver interface {
	SendPointerEvent(event rfb.PointerEvent) error
}

// ClipboardDriver receives client cut-text.
type ClipboardDriver interface {
	SendText(text string) error
}

type Options struct {
	Config config.VNC
}

type pushKind int

const (
	pushResize pushKind = iota
	pushRename
	pushLeds
)

type pushRequest struct {
	kind pushKind

	width  int
	height int
	name   string

	caps   bool
	scroll bool
	num    bool
}

// Server owns the VNC listener side: it builds an RFB session per
// connection, pumps framebuffer updates from the video source and fans out
// resize/rename/LED pushes to all connected clients.
type Server struct {
	Keyboard  KeyboardDriver
	Mouse     MouseDriver
	Clipboard ClipboardDriver

	Video      video.Source
	VideoCodec codec.Codec

	Options Options

	credentials map[string]vncauth.Credentials
	vncPasswds  []string
	tlsConfig   *tls.Config

	locker   sync.Mutex
	sessions map[*session]struct{}
}

func New(v video.Source, videoCodec codec.Codec, options Options) (*Server, error) {
	s := &Server{
		Video:      v,
		VideoCodec: videoCodec,
		Options:    options,
		sessions:   make(map[*session]struct{}),
	}

	conf := options.Config

	credentials, enabled := vncauth.NewManager(conf.PasswdPath, conf.VncAuth && conf.PasswdPath != "").ReadCredentials()
	if !enabled {
		return nil, fmt.Errorf("VNCAuth passwd file is required but unusable: %s", conf.PasswdPath)
	}
	s.credentials = credentials
	for passwd := range credentials {
		s.vncPasswds = append(s.vncPasswds, passwd)
	}

	if conf.TLSCertPath != "" {
		cert, err := tls.LoadX509KeyPair(conf.TLSCertPath, conf.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load TLS keypair: %w", err)
		}
		ciphers, err := parseCiphers(conf.TLSCiphers)
		if err != nil {
			return nil, err
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			CipherSuites: ciphers,
			MinVersion:   tls.VersionTLS12,
		}
	}

	return s, nil
}

// parseCiphers maps a comma-separated list of Go cipher suite names to IDs.
// An empty list keeps the library defaults.
func parseCiphers(names string) ([]uint16, error) {
	if names == "" {
		return nil, nil
	}
	byName := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		byName[suite.Name] = suite.ID
	}
	var ciphers []uint16
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown TLS cipher suite: %s", name)
		}
		ciphers = append(ciphers, id)
	}
	return ciphers, nil
}

// =====

// HandleClient runs one client connection to completion.
func (s *Server) HandleClient(ctx context.Context, conn net.Conn) {
	conf := s.Options.Config

	width, height := conf.Width, conf.Height
	if size, err := s.Video.GetSize(); err == nil {
		width, height = size.X, size.Y
	}

	se := &session{
		server:     s,
		fbRequests: make(chan struct{}, 1),
		pushes:     make(chan pushRequest, 16),
	}
	se.client = rfb.NewClient(conn, rfb.Options{
		Width:  width,
		Height: height,
		Name:   conf.Name,

		VncPasswds:   s.vncPasswds,
		VeNCrypt:     conf.VeNCrypt,
		NoneAuthOnly: conf.NoneAuthOnly,

		TLSConfig:  s.tlsConfig,
		TLSTimeout: time.Duration(conf.TLSTimeout * float64(time.Second)),
	}, se)

	s.locker.Lock()
	s.sessions[se] = struct{}{}
	s.locker.Unlock()
	defer func() {
		s.locker.Lock()
		delete(s.sessions, se)
		s.locker.Unlock()
	}()

	se.client.Run(
		ctx,
		rfb.Task{Name: "pump", Run: se.pumpTask},
		rfb.Task{Name: "pusher", Run: se.pushTask},
	)
}

// =====

// SetLeds broadcasts the keyboard LED state to all capable clients.
func (s *Server) SetLeds(caps, scroll, num bool) {
	s.broadcast(pushRequest{kind: pushLeds, caps: caps, scroll: scroll, num: num})
}

// Resize broadcasts a desktop geometry change.
func (s *Server) Resize(width, height int) {
	s.broadcast(pushRequest{kind: pushResize, width: width, height: height})
}

// Rename broadcasts a desktop name change.
func (s *Server) Rename(name string) {
	s.broadcast(pushRequest{kind: pushRename, name: name})
}

func (s *Server) broadcast(push pushRequest) {
	s.locker.Lock()
	defer s.locker.Unlock()
	for se := range s.sessions {
		select {
		case se.pushes <- push:
		default:
			l.Error().Println("push queue is full, dropping event for", se.client.Remote())
		}
	}
}

// =====

type session struct {
	server *Server
	client *rfb.Client

	fbRequests chan struct{}
	pushes     chan pushRequest
}

// pumpTask waits for framebuffer update requests and answers each with a
// full-frame Tight-JPEG push, throttled to the configured rate.
func (se *session) pumpTask(ctx context.Context) error {
	fps := se.server.Options.Config.DesiredFPS
	if fps <= 0 {
		fps = 30
	}
	interval := time.Second / time.Duration(fps)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-se.fbRequests:
		}

		frame, err := se.server.Video.GetFrame()
		if err != nil {
			return fmt.Errorf("get frame: %w", err)
		}

		quality := se.client.Encodings().TightJPEGQuality
		data, err := se.server.VideoCodec.EncodeFrame(frame, quality)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		if err = se.client.SendFB(data); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// pushTask forwards async server events to the client, skipping pushes the
// client never negotiated.
func (se *session) pushTask(ctx context.Context) error {
	for {
		var push pushRequest
		select {
		case <-ctx.Done():
			return ctx.Err()
		case push = <-se.pushes:
		}

		encodings := se.client.Encodings()
		var err error
		switch push.kind {
		case pushResize:
			if !encodings.HasResize {
				l.Verbose().Println("client", se.client.Remote(), "can't handle resize")
				continue
			}
			err = se.client.SendResize(push.width, push.height)
		case pushRename:
			if !encodings.HasRename {
				l.Verbose().Println("client", se.client.Remote(), "can't handle rename")
				continue
			}
			err = se.client.SendRename(push.name)
		case pushLeds:
			if !encodings.HasLedsState {
				l.Verbose().Println("client", se.client.Remote(), "can't handle LED state")
				continue
			}
			err = se.client.SendLedsState(push.caps, push.scroll, push.num)
		}
		if err != nil {
			return err
		}
	}
}

// ===== rfb.Hooks

func (se *session) AuthorizeUserpass(user, passwd string) (bool, error) {
	expected, ok := se.server.Options.Config.Users[user]
	if !ok {
		// burn the comparison anyway
		_ = subtle.ConstantTimeCompare([]byte(passwd), []byte(passwd))
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(passwd)) == 1, nil
}

func (se *session) AuthorizeVncPasswd(passwd string) (string, error) {
	if credentials, ok := se.server.credentials[passwd]; ok {
		return credentials.User, nil
	}
	return "", nil
}

func (se *session) AuthorizeNone() (bool, error) {
	return true, nil
}

func (se *session) OnKeyEvent(code uint32, state bool) error {
	if se.server.Keyboard == nil {
		l.Verbose().Printf("key event without keyboard driver: code=0x%x state=%t", code, state)
		return nil
	}
	if err := se.server.Keyboard.SendKeyEvent(code, state); err != nil {
		l.Error().Println("send key event:", err)
	}
	return nil
}

func (se *session) OnPointerEvent(event rfb.PointerEvent) error {
	if se.server.Mouse == nil {
		l.Verbose().Printf("pointer event without mouse driver: %+v", event)
		return nil
	}
	if err := se.server.Mouse.SendPointerEvent(event); err != nil {
		l.Error().Println("send pointer event:", err)
	}
	return nil
}

func (se *session) OnCutEvent(text string) error {
	if se.server.Clipboard == nil {
		l.Verbose().Println("cut text without clipboard driver:", len(text), "bytes")
		return nil
	}
	if err := se.server.Clipboard.SendText(text); err != nil {
		l.Error().Println("send cut text:", err)
	}
	return nil
}

func (se *session) OnSetEncodings() error {
	return nil
}

func (se *session) OnFbUpdateRequest() error {
	select {
	case se.fbRequests <- struct{}{}:
	default:
	}
	return nil
}
