package registry

import (
	"context"
	"os"
	"testing"
	"time"
)

// Needs a running etcd; set LAVOS_ETCD_ENDPOINT (e.g. localhost:2379) to enable.
func TestEtcdRegisterAndDiscover(t *testing.T) {
	endpoint := os.Getenv("LAVOS_ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("LAVOS_ETCD_ENDPOINT not set")
	}

	reg, err := NewEtcdRegistry([]string{endpoint}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	if err := reg.Register(ctx, "gateway-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "gateway-test", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "gateway-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "gateway-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	instances, err = reg.Discover(ctx, "gateway-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s after deregister, got %v", inst2.Addr, instances)
	}

	reg.Deregister(ctx, "gateway-test", inst2.Addr)
}
