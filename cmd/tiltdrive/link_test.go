package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/serialmux"
)

func TestOpenLink(t *testing.T) {
	cfg := config.DefaultControlConfig()

	link, err := openLink(cfg, false, true)
	require.NoError(t, err)
	assert.IsType(t, &serialmux.DisabledSerialMux{}, link)
	assert.Equal(t, serialmux.Disconnected, link.Status())

	// disabled wins over dev
	link, err = openLink(cfg, true, true)
	require.NoError(t, err)
	assert.IsType(t, &serialmux.DisabledSerialMux{}, link)

	link, err = openLink(cfg, true, false)
	require.NoError(t, err)
	defer link.Close()
	assert.Equal(t, serialmux.Connected, link.Status())
}

func TestOpenLinkMissingDevice(t *testing.T) {
	cfg := config.DefaultControlConfig()
	missing := "/dev/does-not-exist-tiltdrive"
	cfg.SerialPort = &missing

	_, err := openLink(cfg, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), missing)
}

func TestSuperviseLinkReconnects(t *testing.T) {
	first := serialmux.NewTestableSerialPort()
	first.BlockReads = true
	second := serialmux.NewTestableSerialPort()
	second.BlockReads = true
	t.Cleanup(func() { second.Close() })

	mux := serialmux.NewSerialMux(first)
	var opened atomic.Int32
	mux.SetOpener(func() (*serialmux.TestableSerialPort, error) {
		if opened.Add(1) == 1 {
			return nil, errors.New("device busy")
		}
		return second, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		superviseLink(ctx, mux, 5*time.Millisecond)
	}()

	first.FailReads(errors.New("link lost"))

	require.Eventually(t, func() bool {
		return opened.Load() == 2 && mux.Status() == serialmux.Connected
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("superviseLink did not return after cancel")
	}
}

func TestSuperviseLinkDisabledBlocksUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		superviseLink(ctx, serialmux.NewDisabledSerialMux(), time.Millisecond)
	}()

	select {
	case <-done:
		t.Fatal("returned before cancel")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	<-done
}

func TestLogVehicleLines(t *testing.T) {
	var (
		mu     sync.Mutex
		logged []string
	)
	original := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(original) })

	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	mux := serialmux.NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = mux.Monitor(ctx)
	}()
	go func() {
		defer wg.Done()
		logVehicleLines(ctx, mux)
	}()

	// lines sent before the subscription exists are dropped, so keep sending
	require.Eventually(t, func() bool {
		port.AddReadData([]byte("ERR overcurrent\n"))
		mu.Lock()
		defer mu.Unlock()
		for _, l := range logged {
			if strings.Contains(l, "vehicle reported: ERR overcurrent") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	port.Close()
	wg.Wait()
}
