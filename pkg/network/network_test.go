package network

import (
	"context"
	"testing"
)

func TestAllocateIsIdempotentPerHostname(t *testing.T) {
	d, err := New(Config{Name: "bridge0", Subnet: "192.168.127.0/24", GatewayIP: "192.168.127.1", GatewayMAC: "5a:94:ef:e4:0c:ee"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	a, err := d.Allocate(ctx, "web", "5a:94:ef:e4:0c:01")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := d.Allocate(ctx, "web", "5a:94:ef:e4:0c:01")
	if err != nil {
		t.Fatalf("Allocate (second call): %v", err)
	}
	if a != b {
		t.Fatalf("re-allocating the same hostname returned a different attachment: %+v vs %+v", a, b)
	}
}

func TestAllocateAssignsDistinctAddresses(t *testing.T) {
	d, err := New(Config{Name: "bridge0", Subnet: "192.168.127.0/24", GatewayIP: "192.168.127.1", GatewayMAC: "5a:94:ef:e4:0c:ee"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	a, err := d.Allocate(ctx, "web", "")
	if err != nil {
		t.Fatalf("Allocate web: %v", err)
	}
	b, err := d.Allocate(ctx, "db", "")
	if err != nil {
		t.Fatalf("Allocate db: %v", err)
	}
	if a.Address == b.Address {
		t.Fatalf("distinct hostnames got the same address: %s", a.Address)
	}
	if a.Gateway != b.Gateway {
		t.Fatalf("attachments on the same network disagree on gateway: %s vs %s", a.Gateway, b.Gateway)
	}
}

func TestDeallocateThenStateReflectsCount(t *testing.T) {
	d, err := New(Config{Name: "bridge0", Subnet: "192.168.127.0/24", GatewayIP: "192.168.127.1", GatewayMAC: "5a:94:ef:e4:0c:ee"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := d.Allocate(ctx, "web", ""); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	state, err := d.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Addresses != 1 {
		t.Fatalf("Addresses = %d, want 1", state.Addresses)
	}

	if err := d.Deallocate(ctx, "web"); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	state, err = d.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Addresses != 0 {
		t.Fatalf("Addresses after deallocate = %d, want 0", state.Addresses)
	}
}
