package serialmux

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/tiltdrive/internal/monitoring"
)

var errPortClosed = fmt.Errorf("serial port closed: %w", os.ErrClosed)

// MockVehiclePort simulates the vehicle firmware for --dev runs. Every
// complete line written to it is acknowledged with "OK <line>" on the read
// side, and a battery telemetry line is emitted periodically.
type MockVehiclePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	pending bytes.Buffer
	closed  bool
	done    chan struct{}
}

// NewMockVehiclePort starts a simulated vehicle.
func NewMockVehiclePort() *MockVehiclePort {
	r, w := io.Pipe()
	p := &MockVehiclePort{r: r, w: w, done: make(chan struct{})}
	go p.telemetry()
	return p
}

func (p *MockVehiclePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *MockVehiclePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	p.pending.Write(b)
	var lines []string
	for {
		line, err := p.pending.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			p.pending.Reset()
			p.pending.WriteString(line)
			break
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	p.mu.Unlock()

	// Acknowledge asynchronously so a writer never waits on a reader.
	if len(lines) > 0 {
		go func() {
			for _, l := range lines {
				if _, err := fmt.Fprintf(p.w, "OK %s\n", l); err != nil {
					return
				}
			}
		}()
	}
	return len(b), nil
}

func (p *MockVehiclePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	p.w.CloseWithError(io.EOF)
	return p.r.Close()
}

func (p *MockVehiclePort) telemetry() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	volts := 8.4
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			volts -= 0.01
			if _, err := fmt.Fprintf(p.w, "BAT=%.2f\n", volts); err != nil {
				return
			}
		}
	}
}

// NewMockSerialMux creates a SerialMux backed by a simulated vehicle. Connect
// after a Disconnect starts a fresh simulated vehicle.
func NewMockSerialMux() *SerialMux[*MockVehiclePort] {
	monitoring.Logf("using simulated vehicle link")
	mux := NewSerialMux(NewMockVehiclePort())
	mux.SetOpener(func() (*MockVehiclePort, error) {
		return NewMockVehiclePort(), nil
	})
	return mux
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes the next Write report one byte fewer than requested
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// Writes records each successful Write separately
	Writes [][]byte

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer. With BlockReads set it waits for
// AddReadData or Close instead of returning io.EOF.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 && t.ReadError == nil {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errPortClosed
		}
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			return 0, err
		}
	}

	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	if t.ShortWrite && len(p) > 0 {
		t.ShortWrite = false
		return t.WriteBuffer.Write(p[:len(p)-1])
	}

	t.Writes = append(t.Writes, append([]byte(nil), p...))
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// FailReads makes a blocked or subsequent Read return err.
func (t *TestableSerialPort) FailReads(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// SetWriteError makes the next Write return err.
func (t *TestableSerialPort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// GetWrites returns each successful Write call's payload.
func (t *TestableSerialPort) GetWrites() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(t.Writes))
	for i, w := range t.Writes {
		out[i] = string(w)
	}
	return out
}

// Reset clears all buffers and resets state.
func (t *TestableSerialPort) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Reset()
	t.WriteBuffer.Reset()
	t.Writes = nil
	t.WriteCalls = 0
	t.Closed = false
	t.ReadError = nil
	t.WriteError = nil
	t.CloseError = nil
	t.ShortWrite = false
	t.WriteLatency = 0
}
