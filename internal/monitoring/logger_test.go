package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("link %s", "up")
	if got != "link up" {
		t.Errorf("custom logger got %q", got)
	}

	got = ""
	SetLogger(nil)
	Logf("ignored")
	if got != "" {
		t.Error("nil logger should be a no-op")
	}
}

func TestDebugf(t *testing.T) {
	original := Logf
	defer func() {
		Logf = original
		SetVerbose(false)
	}()

	calls := 0
	SetLogger(func(string, ...interface{}) { calls++ })

	SetVerbose(false)
	Debugf("tick")
	if calls != 0 {
		t.Errorf("Debugf logged while quiet")
	}

	SetVerbose(true)
	if !Verbose() {
		t.Fatal("Verbose() = false after SetVerbose(true)")
	}
	Debugf("tick")
	if calls != 1 {
		t.Errorf("Debugf calls = %d, want 1", calls)
	}
}
