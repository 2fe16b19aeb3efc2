package lifecycle

import (
	"errors"
	"testing"
)

func TestAllocateLowestFree(t *testing.T) {
	r := PortRange{Start: 25565, End: 25570}

	port, err := r.Allocate(map[int]bool{})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 25565 {
		t.Errorf("port = %d, want 25565", port)
	}

	port, err = r.Allocate(map[int]bool{25565: true, 25566: true})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 25567 {
		t.Errorf("port = %d, want 25567", port)
	}
}

func TestAllocateFillsGaps(t *testing.T) {
	r := PortRange{Start: 25565, End: 25570}
	used := map[int]bool{25565: true, 25567: true}

	port, err := r.Allocate(used)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port != 25566 {
		t.Errorf("port = %d, want gap port 25566", port)
	}
}

func TestAllocateExhausted(t *testing.T) {
	r := PortRange{Start: 25565, End: 25567}
	used := map[int]bool{25565: true, 25566: true, 25567: true}

	_, err := r.Allocate(used)
	if !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("err = %v, want ErrPortsExhausted", err)
	}
}

func TestReserve(t *testing.T) {
	r := PortRange{Start: 25565, End: 25570}

	if err := r.Reserve(25568, map[int]bool{}); err != nil {
		t.Errorf("Reserve of free in-range port failed: %v", err)
	}

	if err := r.Reserve(25568, map[int]bool{25568: true}); !errors.Is(err, ErrPortConflict) {
		t.Errorf("Reserve of used port: err = %v, want ErrPortConflict", err)
	}

	if err := r.Reserve(30000, map[int]bool{}); !errors.Is(err, ErrPortConflict) {
		t.Errorf("Reserve of out-of-range port: err = %v, want ErrPortConflict", err)
	}
}
