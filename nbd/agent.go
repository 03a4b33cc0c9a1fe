package nbd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// AgentConfig is serialized to the agent subprocess over its stdin.
type AgentConfig struct {
	Device        string        `json:"device"`
	Block         int           `json:"block"`
	DeviceTimeout time.Duration `json:"device_timeout"`

	Image  Image         `json:"image"`
	Remote RemoteOptions `json:"remote"`
}

// BackendResolver constructs a remote backend from validated options. The
// registry itself lives outside this package so backends can depend on it.
type BackendResolver func(options RemoteOptions) (Backend, error)

// agentEventsFD is the pipe inherited from the parent for lifecycle events.
const agentEventsFD = 3

type eventWriter struct {
	locker  sync.Mutex
	encoder *json.Encoder
}

func (w *eventWriter) emit(event Event) {
	w.locker.Lock()
	defer w.locker.Unlock()
	if err := w.encoder.Encode(event); err != nil {
		l.Error().Println("can't queue event:", err)
	}
}

// RunAgent is the entrypoint of the isolated NBD subprocess: it binds the
// device, serves kernel requests from the remote backend and reports
// lifecycle events back to the parent.
func RunAgent(resolve BackendResolver) error {
	events := &eventWriter{
		encoder: json.NewEncoder(os.NewFile(agentEventsFD, "nbd-events")),
	}

	err := runAgent(os.Stdin, events, resolve)
	if err != nil {
		var ne *Error
		if errors.As(err, &ne) {
			l.Error().Println(err)
		} else {
			l.Error().Printf("unhandled error in NBD agent: %+v", err)
		}
		events.emit(StopEvent("main", err.Error()))
	}
	return err
}

func runAgent(configSource io.Reader, events *eventWriter, resolve BackendResolver) error {
	var config AgentConfig
	if err := json.NewDecoder(configSource).Decode(&config); err != nil {
		return wrapError(KindGeneral, "can't read agent config", err)
	}

	backend, err := resolve(config.Remote)
	if err != nil {
		return err
	}
	remote := NewRemote(backend)
	remote.SetImage(config.Image)

	device := NewDevice(config.Device, config.Block, config.DeviceTimeout)

	link, err := OpenLink()
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			// cancel first so the subtasks finish without errors,
			// then shut the link down to make sure
			cancel()
			link.Shutdown()
			events.emit(StopEvent("main", "Shutdown"))
		case <-ctx.Done():
		}
	}()

	prepared := make(chan struct{})
	var preparedOnce sync.Once

	var wg sync.WaitGroup
	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// the first subtask down takes the others with it
			defer link.Shutdown()
			defer cancel()
			runSubtask(ctx, name, events, fn)
		}()
	}

	run("device_server", func(ctx context.Context) error {
		return device.OpenPrepared(link, config.Image, func(fd int) error {
			preparedOnce.Do(func() { close(prepared) })
			return device.DoIt(fd)
		})
	})

	run("remote_server", func(ctx context.Context) error {
		defer func() {
			if err := remote.Cleanup(); err != nil {
				l.Error().Println("remote cleanup:", err)
			}
		}()
		return remote.Serve(ctx, link, events.emit)
	})

	run("checker", func(ctx context.Context) error {
		return runChecker(ctx, device, config.Image, prepared, events)
	})

	wg.Wait()
	return nil
}

// runChecker waits for the device to be prepared, then probes it with a
// bounded open+close. Readiness is reported exactly once: 1 on success,
// 0 on any failure including cancellation.
func runChecker(ctx context.Context, device *Device, image Image, prepared <-chan struct{}, events *eventWriter) error {
	select {
	case <-ctx.Done():
		events.emit(Event{Kind: eventReady, Ready: 0})
		return ctx.Err()
	case <-prepared:
	}

	probe := make(chan error, 1)
	go func() {
		probe <- device.OpenClose()
	}()

	select {
	case <-ctx.Done():
		events.emit(Event{Kind: eventReady, Ready: 0})
		return ctx.Err()
	case <-time.After(image.Timeout):
		events.emit(Event{Kind: eventReady, Ready: 0})
		return Errorf(KindGeneral, "can't open+close device in time")
	case err := <-probe:
		if err != nil {
			events.emit(Event{Kind: eventReady, Ready: 0})
			return err
		}
	}

	events.emit(Event{Kind: eventReady, Ready: 1})
	events.emit(StartEvent(image, device.Path()))

	<-ctx.Done()
	return ctx.Err()
}

func runSubtask(ctx context.Context, name string, events *eventWriter, fn func(ctx context.Context) error) {
	l.Info().Printf("starting subtask %s ...", name)
	defer l.Info().Printf("subtask %s finished", name)

	err := fn(ctx)

	msg := ""
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// not interesting as a stop reason
	case IsConnError(err):
		l.Info().Printf("subtask %s: %v", name, err)
		msg = err.Error()
	default:
		var ne *Error
		if errors.As(err, &ne) {
			l.Error().Println(err)
		} else {
			l.Error().Printf("unhandled error in subtask %s: %+v", name, err)
		}
		msg = err.Error()
	}

	if msg != "" {
		events.emit(StopEvent(name, msg))
	}
}
