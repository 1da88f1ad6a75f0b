package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/calcgrid/calcgrid/config"
)

func TestNewLimitsDefaults(t *testing.T) {
	l := NewLimits(0)
	if l.MaxConcurrentRequests != config.DefaultMaxConcurrentRequests {
		t.Fatalf("MaxConcurrentRequests = %d", l.MaxConcurrentRequests)
	}
	if l.MaxMacroUpdates != config.DefaultMaxMacroUpdates {
		t.Fatalf("MaxMacroUpdates = %d", l.MaxMacroUpdates)
	}
	if l.MaxMacroLineBytes != config.DefaultMaxMacroLineBytes {
		t.Fatalf("MaxMacroLineBytes = %d", l.MaxMacroLineBytes)
	}
	if l.MacroTimeout != config.DefaultMacroTimeout {
		t.Fatalf("MacroTimeout = %v", l.MacroTimeout)
	}

	l = NewLimits(3)
	if l.MaxConcurrentRequests != 3 {
		t.Fatalf("MaxConcurrentRequests = %d, want 3", l.MaxConcurrentRequests)
	}
}

func TestControllerBoundsConcurrency(t *testing.T) {
	limits := NewLimits(1)
	c := NewController(limits)

	if err := c.AcquireRequest(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.AcquireRequest(ctx); err == nil {
		t.Fatal("expected second acquire to block until timeout")
	}

	c.ReleaseRequest()
	if err := c.AcquireRequest(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	c.ReleaseRequest()
}
