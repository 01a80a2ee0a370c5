// Package serialmux manages the serial link to the vehicle controller: writing
// encoded commands, tracking connection status and statistics, and fanning out
// lines the vehicle sends back to any number of subscribers.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/tiltdrive/internal/monitoring"
)

var (
	ErrWriteFailed  = errors.New("failed to write to serial port")
	ErrNotConnected = errors.New("serial link not connected")
	ErrNoOpener     = errors.New("serial link has no opener")
)

// SerialMux is a generic serial port multiplexer. Writers share a single
// port; lines read from the port are delivered to every subscriber.
type SerialMux[T SerialPorter] struct {
	portMu sync.Mutex // guards port, status, stats and opener
	port   T
	status Status
	stats  Stats
	opener func() (T, error)
	now    func() time.Time

	commandMu sync.Mutex

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	watchers     map[string]chan Status

	closing   bool
	closingMu sync.Mutex
}

// SerialMuxInterface is the link surface used by the daemon, the controller
// and the admin routes.
type SerialMuxInterface interface {
	// Write sends raw bytes to the vehicle. It fails with ErrNotConnected
	// unless Status is Connected.
	Write([]byte) (int, error)
	// SendCommand writes a newline-terminated text command.
	SendCommand(string) error
	Status() Status
	Stats() Stats
	// WatchStatus returns a channel that receives every status change.
	WatchStatus() (string, chan Status)
	UnwatchStatus(string)
	// Subscribe creates a new channel for receiving lines from the vehicle.
	// The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// Connect (re)opens the port if the link is not connected.
	Connect() error
	// Disconnect closes the port and marks the link Disconnected.
	Disconnect() error
	// Monitor reads lines from the port until it fails or ctx is done.
	Monitor(context.Context) error
	// Close closes all subscribed channels and the port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps an already open port. The link starts Connected.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	s := &SerialMux[T]{
		port:        port,
		status:      Connected,
		now:         time.Now,
		subscribers: make(map[string]chan string),
		watchers:    make(map[string]chan Status),
	}
	s.stats.ConnectedAt = s.now()
	return s
}

// SetOpener installs the function Connect uses to reopen the port after the
// link drops.
func (s *SerialMux[T]) SetOpener(open func() (T, error)) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	s.opener = open
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) WatchStatus() (string, chan Status) {
	id := randomID()
	ch := make(chan Status, 4)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.watchers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) UnwatchStatus(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.watchers[id]; ok {
		close(ch)
		delete(s.watchers, id)
	}
}

// Status returns the current link status.
func (s *SerialMux[T]) Status() Status {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.status
}

// Stats returns a copy of the link counters.
func (s *SerialMux[T]) Stats() Stats {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.stats
}

// SetStatus records a status reported by the transport, e.g. a Bluetooth
// stack signalling that the remote end dropped.
func (s *SerialMux[T]) SetStatus(st Status) {
	s.portMu.Lock()
	changed := s.setStatusLocked(st)
	s.portMu.Unlock()
	if changed {
		s.notify(st)
	}
}

func (s *SerialMux[T]) setStatusLocked(st Status) bool {
	if s.status == st {
		return false
	}
	s.status = st
	switch st {
	case Disconnected:
		s.stats = Stats{}
	case Connected:
		s.stats = Stats{ConnectedAt: s.now()}
	}
	return true
}

func (s *SerialMux[T]) notify(st Status) {
	monitoring.Logf("serial link %s", st)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- st:
		default:
			// watcher is behind; it can still poll Status()
		}
	}
}

// Write sends p to the vehicle in a single port write.
func (s *SerialMux[T]) Write(p []byte) (int, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	s.portMu.Lock()
	if s.status != Connected {
		s.portMu.Unlock()
		return 0, ErrNotConnected
	}
	port := s.port
	s.portMu.Unlock()

	n, err := port.Write(p)

	s.portMu.Lock()
	if err == nil && n != len(p) {
		err = ErrWriteFailed
	} else if err != nil {
		err = fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err != nil {
		s.stats.WriteErrors++
		dropped := isDisconnect(err) && s.setStatusLocked(Disconnected)
		s.portMu.Unlock()
		if dropped {
			s.notify(Disconnected)
		}
		return n, err
	}
	s.stats.BytesSent += uint64(n)
	s.stats.CommandsSent++
	s.stats.LastCommandAt = s.now()
	s.portMu.Unlock()
	return n, nil
}

// SendCommand writes a text command, appending a newline if missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	_, err := s.Write([]byte(command))
	return err
}

// Connect reopens the port through the installed opener. It is a no-op when
// the link is already connected.
func (s *SerialMux[T]) Connect() error {
	s.portMu.Lock()
	if s.status == Connected {
		s.portMu.Unlock()
		return nil
	}
	open := s.opener
	if open == nil {
		s.portMu.Unlock()
		return ErrNoOpener
	}
	s.setStatusLocked(Connecting)
	s.portMu.Unlock()
	s.notify(Connecting)

	port, err := open()

	s.portMu.Lock()
	if err != nil {
		s.setStatusLocked(Disconnected)
		s.portMu.Unlock()
		s.notify(Disconnected)
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	s.port = port
	s.setStatusLocked(Connected)
	s.portMu.Unlock()
	s.notify(Connected)
	return nil
}

// Disconnect closes the port and marks the link Disconnected. Subscribers
// stay registered so they receive lines again after Connect.
func (s *SerialMux[T]) Disconnect() error {
	s.portMu.Lock()
	if s.status == Disconnected {
		s.portMu.Unlock()
		return nil
	}
	port := s.port
	s.setStatusLocked(Disconnected)
	s.portMu.Unlock()
	s.notify(Disconnected)
	return port.Close()
}

// Monitor reads lines from the current port and sends them to subscribers.
// When the read side fails the link is marked Disconnected and the error is
// returned; callers may Connect and call Monitor again.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	s.portMu.Lock()
	port := s.port
	s.portMu.Unlock()

	scan := bufio.NewScanner(port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			s.readFailed(err)
			return err

		case line, ok := <-lineChan:
			if !ok {
				// EOF: the device closed its end.
				select {
				case err := <-scanErrChan:
					s.readFailed(err)
					return err
				default:
				}
				s.readFailed(nil)
				return nil
			}
			if s.isClosing() {
				return nil
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// if the channel is full/blocking skip so as not to block the outer loop
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) readFailed(err error) {
	if s.isClosing() {
		return
	}
	if err != nil {
		monitoring.Logf("serial read failed: %v", err)
	}
	s.SetStatus(Disconnected)
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.subscriberMu.Unlock()

	s.portMu.Lock()
	port := s.port
	s.status = Disconnected
	s.stats = Stats{}
	s.portMu.Unlock()
	return port.Close()
}
