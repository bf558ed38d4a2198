package mpy

import "testing"

func TestDiscoverAddrDefaultsPort(t *testing.T) {
	if got := DiscoverAddr("myhost"); got != "myhost:23" {
		t.Fatalf("got %q", got)
	}
	if got := DiscoverAddr("myhost:1234"); got != "myhost:1234" {
		t.Fatalf("got %q", got)
	}
}

func TestDeviceCleanupIsIdempotent(t *testing.T) {
	raw := &staticTransport{}
	d := Open(raw, nil)
	if err := d.Cleanup(); err != nil {
		t.Fatalf("first Cleanup: %v", err)
	}
	if err := d.Cleanup(); err != nil {
		t.Fatalf("second Cleanup should be a no-op, got: %v", err)
	}
}
