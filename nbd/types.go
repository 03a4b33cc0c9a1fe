package nbd

import (
	"net/url"
	"time"
)

// Image describes the probed remote resource. Immutable after Probe;
// revalidated (never replaced) during an active session.
type Image struct {
	Size    int64         `json:"size"`
	RW      bool          `json:"rw"`
	Timeout time.Duration `json:"timeout"`
}

type EventKind string

const (
	EventStart  EventKind = "start"
	EventStop   EventKind = "stop"
	EventRemote EventKind = "remote"

	// eventReady is the internal readiness signal from the agent,
	// never surfaced to Poll consumers.
	eventReady EventKind = "ready"
)

// Event is a lifecycle notification crossing the agent process boundary.
type Event struct {
	Kind EventKind `json:"kind"`

	// start
	Image  *Image `json:"image,omitempty"`
	Device string `json:"device,omitempty"`

	// stop
	Src     string `json:"src,omitempty"`
	Message string `json:"message,omitempty"`

	// remote status
	Online bool `json:"online,omitempty"`

	// ready: 0 = failed to start, 1 = serving
	Ready int `json:"ready,omitempty"`
}

func StartEvent(image Image, device string) Event {
	return Event{Kind: EventStart, Image: &image, Device: device}
}

func StopEvent(src, message string) Event {
	return Event{Kind: EventStop, Src: src, Message: message}
}

func RemoteEvent(online bool, message string) Event {
	return Event{Kind: EventRemote, Online: online, Message: message}
}

// RemoteOptions is the option bag consumed to construct a remote backend.
type RemoteOptions struct {
	URL          string  `json:"url"`
	Verify       bool    `json:"verify"`
	User         string  `json:"user"`
	Passwd       string  `json:"passwd"`
	Timeout      float64 `json:"timeout"`       // seconds
	RetriesDelay float64 `json:"retries_delay"` // seconds
}

func DefaultRemoteOptions() RemoteOptions {
	return RemoteOptions{
		Verify:       true,
		Timeout:      3.0,
		RetriesDelay: 5.0,
	}
}

func (o RemoteOptions) Validate() error {
	parsed, err := url.Parse(o.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Errorf(KindValidation, "invalid remote URL: %q", o.URL)
	}
	if o.Timeout < 1.0 || o.Timeout > 30.0 {
		return Errorf(KindValidation, "timeout must be within 1..30 seconds: %v", o.Timeout)
	}
	if o.RetriesDelay < 1.0 || o.RetriesDelay > 30.0 {
		return Errorf(KindValidation, "retries_delay must be within 1..30 seconds: %v", o.RetriesDelay)
	}
	return nil
}

func (o RemoteOptions) Scheme() string {
	parsed, err := url.Parse(o.URL)
	if err != nil {
		return ""
	}
	return parsed.Scheme
}
