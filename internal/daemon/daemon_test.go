package daemon

import (
	"context"
	"testing"

	"clipforge/internal/logging"
	"clipforge/internal/testsupport"
)

func TestDaemonLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	d, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(testContext(t)); err == nil {
		t.Fatal("second Start must fail while running")
	}

	select {
	case err := <-d.Err():
		if err != nil {
			t.Fatalf("listener error: %v", err)
		}
	default:
	}

	d.Stop(context.Background())
	// Stop is idempotent.
	d.Stop(context.Background())
}

func TestDaemonLockExcludesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	first, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer first.Close()
	if err := first.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer first.Stop(context.Background())

	second, err := New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New second: %v", err)
	}
	defer second.Close()
	if err := second.Start(testContext(t)); err == nil {
		second.Stop(context.Background())
		t.Fatal("second instance must not acquire the lock")
	}
}

func TestDaemonRequiresConfig(t *testing.T) {
	if _, err := New(nil, logging.NewNop()); err == nil {
		t.Fatal("expected error for nil config")
	}
}
