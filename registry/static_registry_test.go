package registry

import (
	"context"
	"testing"
	"time"
)

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry()

	reg.Register(ctx, "gateway", ServiceInstance{Addr: ":8001", Weight: 1}, 0)
	reg.Register(ctx, "gateway", ServiceInstance{Addr: ":8002", Weight: 1}, 0)
	reg.Register(ctx, "gateway", ServiceInstance{Addr: ":8001", Weight: 5}, 0) // update in place

	instances, _ := reg.Discover(ctx, "gateway")
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %v", instances)
	}
	if instances[0].Weight != 5 {
		t.Fatalf("expect re-registration to update weight, got %d", instances[0].Weight)
	}

	reg.Deregister(ctx, "gateway", ":8001")
	instances, _ = reg.Discover(ctx, "gateway")
	if len(instances) != 1 || instances[0].Addr != ":8002" {
		t.Fatalf("expect only :8002, got %v", instances)
	}
}

func TestStaticRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStaticRegistry()
	ch := reg.Watch(ctx, "gateway")

	reg.Register(ctx, "gateway", ServiceInstance{Addr: ":8001"}, 0)
	reg.Register(ctx, "gateway", ServiceInstance{Addr: ":8002"}, 0)

	select {
	case got := <-ch:
		if len(got) != 2 {
			t.Fatalf("expect the latest list with 2 instances, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// a final update may still be buffered; the next receive must see close
			if _, ok := <-ch; ok {
				t.Fatal("expect channel closed after cancel")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
