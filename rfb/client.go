package rfb

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/allape/gogger"
)

var l = gogger.New("rfb")

const Version = "RFB 003.008\n"

// MaxJPEGLength caps a single Tight-JPEG framebuffer push.
const MaxJPEGLength = 4194303

// Security type codes.
const (
	SecurityNone     uint8 = 1
	SecurityVNCAuth  uint8 = 2
	SecurityVeNCrypt uint8 = 19
)

// VeNCrypt sub-auth codes.
const (
	VeNCryptNone       uint32 = 1
	VeNCryptVNCAuth    uint32 = 2
	VeNCryptPlain      uint32 = 256
	VeNCryptTLSNone    uint32 = 257
	VeNCryptTLSVNCAuth uint32 = 258
	VeNCryptTLSPlain   uint32 = 259
)

// PointerEvent carries a decoded PointerEvent message. ToX/ToY are remapped
// into the virtual absolute range -32768..32767.
type PointerEvent struct {
	Left   bool
	Right  bool
	Middle bool

	WheelX int
	WheelY int

	ToX int
	ToY int
}

// Hooks connects a session to the encompassing application layer:
// authorization decisions and input/clipboard sinks.
type Hooks interface {
	// AuthorizeUserpass handles VeNCrypt Plain credentials.
	AuthorizeUserpass(user string, passwd string) (bool, error)

	// AuthorizeVncPasswd maps a matched VNC password to an identity;
	// an empty identity means access denied.
	AuthorizeVncPasswd(passwd string) (string, error)

	// AuthorizeNone handles the None security type.
	AuthorizeNone() (bool, error)

	OnKeyEvent(code uint32, state bool) error
	OnPointerEvent(event PointerEvent) error
	OnCutEvent(text string) error

	// OnSetEncodings fires after the client's capability set changed.
	OnSetEncodings() error

	// OnFbUpdateRequest asks the application layer to produce a frame.
	OnFbUpdateRequest() error
}

// Options is the per-connection session configuration.
type Options struct {
	Width  int
	Height int
	Name   string

	VncPasswds   []string
	VeNCrypt     bool
	NoneAuthOnly bool

	TLSConfig  *tls.Config
	TLSTimeout time.Duration
}

// Task is a concurrently scheduled session subtask. The first task to finish
// (normally or by error) cancels all siblings.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Client drives one RFB session: version, security and init handshakes in
// strict order, then the client message loop. Server-initiated pushes
// (frame, resize, rename, LED state) may be fed concurrently from producer
// tasks.
type Client struct {
	*stream

	hooks Hooks

	tlsConfig  *tls.Config
	tlsTimeout time.Duration

	vncPasswds   []string
	vencrypt     bool
	noneAuthOnly bool

	rfbVersion int

	mu        sync.Mutex
	width     int
	height    int
	name      string
	encodings ClientEncodings
}

func NewClient(conn net.Conn, options Options, hooks Hooks) *Client {
	client := &Client{
		stream: newStream(conn),

		hooks: hooks,

		tlsConfig:  options.TLSConfig,
		tlsTimeout: options.TLSTimeout,

		vncPasswds:   options.VncPasswds,
		vencrypt:     options.VeNCrypt,
		noneAuthOnly: options.NoneAuthOnly,

		width:  options.Width,
		height: options.Height,
		name:   options.Name,
	}
	l.Info().Println("connected client:", client.remote)
	return client
}

func (c *Client) Remote() string {
	return c.remote
}

func (c *Client) Encodings() ClientEncodings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encodings
}

func (c *Client) Size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

// =====

// Run executes the session: the main message-loop task plus any producer
// tasks race to completion, the first one down cancels the rest, and the
// stream is always closed at the end.
func (c *Client) Run(ctx context.Context, tasks ...Task) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	all := append([]Task{{Name: "main", Run: c.mainTask}}, tasks...)

	// unblock reads and writes on cancellation; capture the raw conn
	// here since the TLS upgrade swaps c.conn from the main task, and a
	// deadline on the raw conn still fires through the TLS wrapper
	conn := c.conn
	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-closed:
		}
	}()

	var wg sync.WaitGroup
	for _, task := range all {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			defer cancel()
			c.runTask(ctx, task)
		}(task)
	}
	wg.Wait()

	close(closed)
	_ = c.closeStream()
	l.Info().Println("connection closed:", c.remote)
}

func (c *Client) runTask(ctx context.Context, task Task) {
	err := task.Run(ctx)
	switch {
	case ctx.Err() != nil:
		l.Verbose().Printf("[%s] client %s: cancelling subtask", task.Name, c.remote)
	case err == nil:
		l.Error().Printf("[%s] client %s: subtask finished without any error", task.Name, c.remote)
	case IsConnectionError(err):
		l.Info().Printf("[%s] client %s: gone: %v", task.Name, c.remote, err)
	case IsProtocolError(err), isTLSError(err):
		l.Error().Printf("[%s] client %s: error: %v", task.Name, c.remote, err)
	default:
		l.Error().Printf("[%s] client %s: unhandled error: %+v", task.Name, c.remote, err)
	}
}

func isTLSError(err error) bool {
	var re tls.RecordHeaderError
	if errors.As(err, &re) {
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}

func (c *Client) mainTask(_ context.Context) error {
	if err := c.handshakeVersion(); err != nil {
		return err
	}
	if err := c.handshakeSecurity(); err != nil {
		return err
	}
	if err := c.handshakeInit(); err != nil {
		return err
	}
	return c.mainLoop()
}

// =====

func (c *Client) handshakeVersion() error {
	// The only published protocol versions are 3.3, 3.7 and 3.8.
	// Version 3.5 was wrongly reported by some clients and must be
	// interpreted as 3.3.
	c.writeBytes([]byte(Version))
	if err := c.flush("version"); err != nil {
		return err
	}

	response, err := c.readText("version response", 12)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(response, "RFB 003.00") || !strings.HasSuffix(response, "\n") {
		return Protocolf("invalid version response: %q", response)
	}

	switch response[10] {
	case '3', '5':
		c.rfbVersion = 3
	case '7':
		c.rfbVersion = 7
	case '8':
		c.rfbVersion = 8
	default:
		return Protocolf("invalid version response: %q", response)
	}
	l.Info().Printf("[main] client %s: using RFB version 3.%d", c.remote, c.rfbVersion)
	return nil
}

// =====

type securityType struct {
	code    uint8
	name    string
	handler func() error
}

func (c *Client) handshakeSecurity() error {
	var secTypes []securityType
	if c.rfbVersion > 3 && c.vencrypt {
		secTypes = append(secTypes, securityType{SecurityVeNCrypt, "VeNCrypt", c.handshakeSecurityVeNCrypt})
	}
	if c.noneAuthOnly {
		secTypes = append(secTypes, securityType{SecurityNone, "None", c.handshakeSecurityNone})
	} else if len(c.vncPasswds) > 0 {
		secTypes = append(secTypes, securityType{SecurityVNCAuth, "VNCAuth", c.handshakeSecurityVncAuth})
	}

	if len(secTypes) == 0 {
		msg := "the client uses a very old protocol 3.3 and VNCAuth or NoneAuth is disabled"
		c.writeU32(0) // refuse old clients using the invalid security type
		if err := c.writeReason("security refusal", msg, true); err != nil {
			return err
		}
		return Protocolf("%s", msg)
	}

	c.writeU8(uint8(len(secTypes)))
	for _, st := range secTypes {
		c.writeU8(st.code) // keep the priority order
	}
	if err := c.flush("security types"); err != nil {
		return err
	}

	selected, err := c.readU8("security type")
	if err != nil {
		return err
	}
	for _, st := range secTypes {
		if st.code == selected {
			l.Info().Printf("[main] client %s: using %s security type", c.remote, st.name)
			return st.handler()
		}
	}
	return Protocolf("invalid security type: %d", selected)
}

type vencryptAuth struct {
	code    uint32
	name    string
	tls     bool
	handler func() error
}

func (c *Client) handshakeSecurityVeNCrypt() error {
	c.writeU8(0)
	c.writeU8(2) // VeNCrypt 0.2
	if err := c.flush("VeNCrypt version"); err != nil {
		return err
	}

	major, err := c.readU8("VeNCrypt major")
	if err != nil {
		return err
	}
	minor, err := c.readU8("VeNCrypt minor")
	if err != nil {
		return err
	}
	if major != 0 || minor != 2 {
		c.writeU8(1) // unsupported
		if err := c.flush("VeNCrypt version ack"); err != nil {
			return err
		}
		return Protocolf("unsupported VeNCrypt version: %d.%d", major, minor)
	}

	c.writeU8(0)
	if err := c.flush("VeNCrypt version ack"); err != nil {
		return err
	}

	var authTypes []vencryptAuth
	if c.noneAuthOnly {
		authTypes = []vencryptAuth{
			{VeNCryptNone, "VeNCrypt/None", false, c.handshakeSecurityNone},
			{VeNCryptTLSNone, "VeNCrypt/TLSNone", true, c.handshakeSecurityNone},
		}
	} else {
		authTypes = []vencryptAuth{
			{VeNCryptPlain, "VeNCrypt/Plain", false, c.handshakeSecurityVeNCryptUserpass},
			{VeNCryptTLSPlain, "VeNCrypt/TLSPlain", true, c.handshakeSecurityVeNCryptUserpass},
		}
		if len(c.vncPasswds) > 0 {
			// Some clients interpret the VeNCrypt recommendations rather
			// creatively and can't do VNCAuth through it; that's their
			// problem, any sane client works.
			authTypes = append(authTypes,
				vencryptAuth{VeNCryptVNCAuth, "VeNCrypt/VNCAuth", false, c.handshakeSecurityVncAuth},
				vencryptAuth{VeNCryptTLSVNCAuth, "VeNCrypt/TLSVNCAuth", true, c.handshakeSecurityVncAuth},
			)
		}
	}

	c.writeU8(uint8(len(authTypes)))
	for _, at := range authTypes {
		c.writeU32(at.code)
	}
	if err := c.flush("VeNCrypt auth types"); err != nil {
		return err
	}

	selected, err := c.readU32("VeNCrypt auth type")
	if err != nil {
		return err
	}
	for _, at := range authTypes {
		if at.code != selected {
			continue
		}
		l.Info().Printf("[main] client %s: using %s auth type", c.remote, at.name)
		if at.tls {
			if c.tlsConfig == nil {
				return Protocolf("TLS auth type requested but TLS is not configured")
			}
			c.writeU8(1) // ack
			if err := c.startTLS(c.tlsConfig, c.tlsTimeout); err != nil {
				return err
			}
		}
		return at.handler()
	}
	return Protocolf("invalid VeNCrypt auth type: %d", selected)
}

func (c *Client) handshakeSecurityVeNCryptUserpass() error {
	userLength, err := c.readU32("user length")
	if err != nil {
		return err
	}
	passwdLength, err := c.readU32("password length")
	if err != nil {
		return err
	}
	if userLength > 1024 || passwdLength > 1024 {
		return Protocolf("too long Plain credentials: %d/%d", userLength, passwdLength)
	}
	user, err := c.readText("user", int(userLength))
	if err != nil {
		return err
	}
	user = strings.TrimSpace(user)
	passwd, err := c.readText("password", int(passwdLength))
	if err != nil {
		return err
	}

	allow, err := c.hooks.AuthorizeUserpass(user, passwd)
	if err != nil {
		return err
	}
	return c.sendSecurityResult(
		allow,
		fmt.Sprintf("access granted for user %q", user),
		fmt.Sprintf("access denied for user %q", user),
		"Invalid username or password",
	)
}

func (c *Client) handshakeSecurityNone() error {
	allow, err := c.hooks.AuthorizeNone()
	if err != nil {
		return err
	}
	return c.sendSecurityResult(
		allow,
		"NoneAuth access granted",
		"NoneAuth access denied",
		"Access denied",
	)
}

func (c *Client) handshakeSecurityVncAuth() error {
	challenge, err := MakeChallenge()
	if err != nil {
		return err
	}
	c.writeBytes(challenge[:])
	if err := c.flush("VNCAuth challenge"); err != nil {
		return err
	}

	responseBytes, err := c.readBytes("VNCAuth response", 16)
	if err != nil {
		return err
	}
	var response [16]byte
	copy(response[:], responseBytes)

	user := ""
	for _, passwd := range c.vncPasswds {
		encrypted, err := EncryptChallenge(challenge, []byte(passwd))
		if err != nil {
			return err
		}
		if encrypted == response {
			user, err = c.hooks.AuthorizeVncPasswd(passwd)
			if err != nil {
				return err
			}
			break
		}
	}

	return c.sendSecurityResult(
		user != "",
		fmt.Sprintf("VNCAuth access granted for user %q", user),
		"VNCAuth access denied (user not found)",
		"Invalid password",
	)
}

func (c *Client) sendSecurityResult(allow bool, allowMsg, denyMsg, denyReason string) error {
	if allow {
		l.Info().Printf("[main] client %s: %s", c.remote, allowMsg)
		c.writeU32(0)
		return c.flush("security result")
	}

	c.writeU32(1)
	if c.rfbVersion >= 8 {
		if err := c.writeReason("security result", denyReason, true); err != nil {
			return err
		}
	} else if err := c.flush("security result"); err != nil {
		return err
	}
	return Protocolf("%s", denyMsg)
}

// =====

func (c *Client) handshakeInit() error {
	if _, err := c.readU8("shared flag"); err != nil { // ignored
		return err
	}

	c.mu.Lock()
	width, height, name := c.width, c.height, c.name
	c.mu.Unlock()

	c.writeU16(uint16(width))
	c.writeU16(uint16(height))

	c.writeU8(32)                 // bits per pixel
	c.writeU8(24)                 // depth
	c.writeU8(0)                  // big endian
	c.writeU8(1)                  // true color
	c.writeU16(255)               // red max
	c.writeU16(255)               // green max
	c.writeU16(255)               // blue max
	c.writeU8(16)                 // red shift
	c.writeU8(8)                  // green shift
	c.writeU8(0)                  // blue shift
	c.writeBytes([]byte{0, 0, 0}) // padding

	return c.writeReason("server init", name, true)
}

// =====

func (c *Client) mainLoop() error {
	for {
		msgType, err := c.readU8("message type")
		if err != nil {
			return err
		}
		switch msgType {
		case 0:
			err = c.handleSetPixelFormat()
		case 2:
			err = c.handleSetEncodings()
		case 3:
			err = c.handleFbUpdateRequest()
		case 4:
			err = c.handleKeyEvent()
		case 5:
			err = c.handlePointerEvent()
		case 6:
			err = c.handleClientCutText()
		default:
			return Protocolf("unknown message type: %d", msgType)
		}
		if err != nil {
			return err
		}
	}
}

func (c *Client) handleSetPixelFormat() error {
	// JpegCompression may only be used when bits-per-pixel is 16 or 32
	buf, err := c.readBytes("pixel format", 19)
	if err != nil {
		return err
	}
	bitsPerPixel := buf[3]
	if bitsPerPixel != 16 && bitsPerPixel != 32 {
		return Protocolf("requested unsupported bits_per_pixel=%d for Tight JPEG; required 16 or 32", bitsPerPixel)
	}
	return nil
}

func (c *Client) handleSetEncodings() error {
	if _, err := c.readU8("encodings padding"); err != nil {
		return err
	}
	count, err := c.readU16("encodings count")
	if err != nil {
		return err
	}
	if count > MaxEncodings {
		return Protocolf("too many encodings: %d", count)
	}

	ids := make([]int32, count)
	for i := range ids {
		if ids[i], err = c.readS32("encoding"); err != nil {
			return err
		}
	}

	encodings := ParseClientEncodings(ids)
	c.mu.Lock()
	c.encodings = encodings
	c.mu.Unlock()

	l.Info().Printf("[main] client %s: features: %s", c.remote, encodings.Summary())
	if err := c.checkTightJPEG(); err != nil {
		return err
	}
	return c.hooks.OnSetEncodings()
}

func (c *Client) handleFbUpdateRequest() error {
	// in case we never received SetEncodings from the client
	if err := c.checkTightJPEG(); err != nil {
		return err
	}
	// ignore the incremental flag and the region, always do a full update
	if _, err := c.readBytes("fb update request", 9); err != nil {
		return err
	}
	return c.hooks.OnFbUpdateRequest()
}

func (c *Client) handleKeyEvent() error {
	buf, err := c.readBytes("key event", 7)
	if err != nil {
		return err
	}
	state := buf[0] != 0
	code := uint32(buf[3])<<24 | uint32(buf[4])<<16 | uint32(buf[5])<<8 | uint32(buf[6])
	return c.hooks.OnKeyEvent(code, state)
}

func (c *Client) handlePointerEvent() error {
	buttons, err := c.readU8("pointer buttons")
	if err != nil {
		return err
	}
	toX, err := c.readU16("pointer x")
	if err != nil {
		return err
	}
	toY, err := c.readU16("pointer y")
	if err != nil {
		return err
	}

	c.mu.Lock()
	width, height := c.width, c.height
	c.mu.Unlock()

	event := PointerEvent{
		Left:   buttons&0x1 != 0,
		Right:  buttons&0x4 != 0,
		Middle: buttons&0x2 != 0,
		ToX:    remapCoordinate(int(toX), width),
		ToY:    remapCoordinate(int(toY), height),
	}
	switch {
	case buttons&0x40 != 0:
		event.WheelX = -4
	case buttons&0x20 != 0:
		event.WheelX = 4
	}
	switch {
	case buttons&0x10 != 0:
		event.WheelY = -4
	case buttons&0x8 != 0:
		event.WheelY = 4
	}

	return c.hooks.OnPointerEvent(event)
}

// remapCoordinate rescales an absolute framebuffer coordinate into the
// virtual pointer range -32768..32767.
func remapCoordinate(value, limit int) int {
	return int(math.Round(float64(value)/float64(limit)*65535 - 32768))
}

func (c *Client) handleClientCutText() error {
	if _, err := c.readBytes("cut text padding", 3); err != nil {
		return err
	}
	length, err := c.readU32("cut text length")
	if err != nil {
		return err
	}
	text, err := c.readText("cut text", int(length))
	if err != nil {
		return err
	}
	return c.hooks.OnCutEvent(text)
}

func (c *Client) checkTightJPEG() error {
	// JpegCompression may only be used when the client has advertised
	// a quality level using the JPEG Quality Level pseudo-encoding
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.encodings.HasTight || c.encodings.TightJPEGQuality == 0 {
		return Protocolf("tight JPEG encoding is not supported by client: %s", c.encodings.Summary())
	}
	return nil
}

// =====

// SendFB pushes one full-frame Tight-JPEG framebuffer update.
func (c *Client) SendFB(jpeg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.encodings.HasTight || c.encodings.TightJPEGQuality == 0 {
		return Protocolf("SendFB without negotiated Tight JPEG")
	}
	if len(jpeg) > MaxJPEGLength {
		return Protocolf("JPEG frame is too big: %d", len(jpeg))
	}

	if err := c.writeFBUpdate("fb update", uint16(c.width), uint16(c.height), EncodingTight, false); err != nil {
		return err
	}
	c.writeU8(0b10011111) // basic compression, raw JPEG payload
	c.writeBytes(encodeTightLength(len(jpeg)))
	c.writeBytes(jpeg)
	return c.flush("fb update")
}

// encodeTightLength packs a payload length into the Tight 7-bits-per-byte
// continuation encoding (1..3 bytes).
func encodeTightLength(length int) []byte {
	switch {
	case length <= 127:
		return []byte{byte(length & 0x7F)}
	case length <= 16383:
		return []byte{byte(length&0x7F | 0x80), byte(length >> 7 & 0x7F)}
	default:
		return []byte{byte(length&0x7F | 0x80), byte(length>>7&0x7F | 0x80), byte(length >> 14 & 0xFF)}
	}
}

// SendResize pushes a desktop resize and updates the session geometry.
func (c *Client) SendResize(width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.encodings.HasResize {
		return Protocolf("SendResize without DesktopSize encoding")
	}
	if err := c.writeFBUpdate("resize", uint16(width), uint16(height), EncodingResize, true); err != nil {
		return err
	}
	c.width = width
	c.height = height
	return nil
}

// SendRename pushes a desktop name change.
func (c *Client) SendRename(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.encodings.HasRename {
		return Protocolf("SendRename without DesktopName encoding")
	}
	if err := c.writeFBUpdate("rename", 0, 0, EncodingRename, false); err != nil {
		return err
	}
	if err := c.writeReason("rename", name, true); err != nil {
		return err
	}
	c.name = name
	return nil
}

// SendLedsState pushes the keyboard LED state.
func (c *Client) SendLedsState(caps, scroll, num bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.encodings.HasLedsState {
		return Protocolf("SendLedsState without LED state encoding")
	}
	if err := c.writeFBUpdate("leds state", 0, 0, EncodingLedsState, false); err != nil {
		return err
	}
	var state uint8
	if scroll {
		state |= 0x1
	}
	if num {
		state |= 0x2
	}
	if caps {
		state |= 0x4
	}
	c.writeU8(state)
	return c.flush("leds state")
}
