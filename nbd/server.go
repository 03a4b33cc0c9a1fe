package nbd

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Server owns a single NBD device and runs at most one export at a time.
// Bind queues an export, Poll runs the subprocess cycles and streams the
// events, Unbind stops the current export.
type Server struct {
	device        string
	block         int
	deviceTimeout time.Duration
	resolve       BackendResolver

	locker   sync.Mutex
	proc     *Process
	notifier chan struct{}
}

func NewServer(device string, block int, deviceTimeout time.Duration, resolve BackendResolver) *Server {
	return &Server{
		device:        device,
		block:         block,
		deviceTimeout: deviceTimeout,
		resolve:       resolve,
		notifier:      make(chan struct{}, 1),
	}
}

// Bind probes the remote image and queues an export cycle for Poll.
// The probe happens here so the caller gets the error synchronously.
func (s *Server) Bind(ctx context.Context, options RemoteOptions) error {
	s.locker.Lock()
	defer s.locker.Unlock()

	if s.proc != nil {
		return Errorf(KindGeneral, "NBD is already bound")
	}

	if err := options.Validate(); err != nil {
		return err
	}
	backend, err := s.resolve(options)
	if err != nil {
		return err
	}

	remote := NewRemote(backend)
	image, err := remote.Probe(ctx)
	if cleanupErr := backend.Cleanup(); cleanupErr != nil {
		l.Error().Println("probe cleanup:", cleanupErr)
	}
	if err != nil {
		return err
	}

	s.proc = NewProcess(AgentConfig{
		Device:        s.device,
		Block:         s.block,
		DeviceTimeout: s.deviceTimeout,
		Image:         image,
		Remote:        options,
	})

	select {
	case s.notifier <- struct{}{}:
	default:
	}
	return nil
}

// Bound reports whether an export cycle is queued or running.
func (s *Server) Bound() bool {
	s.locker.Lock()
	defer s.locker.Unlock()
	return s.proc != nil
}

// Unbind asks the current export to stop. Poll finishes the cycle and
// reports the terminal stop event.
func (s *Server) Unbind() error {
	s.locker.Lock()
	defer s.locker.Unlock()

	if s.proc == nil {
		return Errorf(KindGeneral, "NBD is not bound")
	}
	s.proc.Stop()
	return nil
}

// Poll runs export cycles until ctx is canceled. Every cycle ends with
// exactly one stop event; one is synthesized if the subprocess never
// reported a reason.
func (s *Server) Poll(ctx context.Context) <-chan Event {
	out := make(chan Event, eventsQueueSize)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.notifier:
			}

			s.locker.Lock()
			proc := s.proc
			s.locker.Unlock()
			if proc == nil {
				continue
			}

			var stop *Event
			err := proc.Running(func() error {
				s.forward(ctx, out, proc, &stop)
				return nil
			})
			if err != nil {
				var ne *Error
				if errors.As(err, &ne) {
					l.Error().Println(err)
				} else {
					l.Error().Printf("unhandled error in NBD poller: %+v", err)
				}
			}
			// the pipe closes on exit, drain whatever is left
			s.forward(ctx, out, proc, &stop)

			s.locker.Lock()
			s.proc = nil
			s.locker.Unlock()

			select {
			case out <- terminalStop(stop):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// terminalStop picks the event that ends a bind cycle; one is synthesized
// when the subprocess never reported a reason.
func terminalStop(stop *Event) Event {
	if stop != nil {
		return *stop
	}
	return StopEvent("main", "Unknown stop reason")
}

// forward streams the subprocess events into out, holding back the first
// stop event so the cycle can end with it.
func (s *Server) forward(ctx context.Context, out chan<- Event, proc *Process, stop **Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-proc.Events():
			if !ok {
				return
			}
			if event.Kind == EventStop {
				if *stop == nil {
					ev := event
					*stop = &ev
				}
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}
