package memory

import (
	"errors"
	"testing"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
)

var testProps = gpu.MemoryProperties{
	Types: []gpu.MemoryType{
		{Flags: gpu.MemoryPropertyDeviceLocal},
		{Flags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent},
		{Flags: gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent},
	},
}

func TestSelectMemoryType(t *testing.T) {
	tests := []struct {
		name     string
		typeBits uint32
		required gpu.MemoryProperty
		want     uint32
		wantErr  bool
	}{
		{"device local first match", 0b111, gpu.MemoryPropertyDeviceLocal, 0, false},
		{"host visible", 0b111, gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, 1, false},
		{"mask skips type 1", 0b101, gpu.MemoryPropertyHostVisible, 2, false},
		{"superset accepted", 0b100, gpu.MemoryPropertyDeviceLocal, 2, false},
		{"no properties takes first allowed", 0b010, 0, 1, false},
		{"cached unavailable", 0b111, gpu.MemoryPropertyHostCached, 0, true},
		{"empty mask", 0, gpu.MemoryPropertyDeviceLocal, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectMemoryType(testProps, tt.typeBits, tt.required)
			if tt.wantErr {
				if !errors.Is(err, core.ErrNoCompatibleMemoryType) {
					t.Errorf("SelectMemoryType() error = %v, want ErrNoCompatibleMemoryType", err)
				}
				if core.KindOf(err) != core.ErrResourceExhaustion {
					t.Errorf("KindOf() = %v, want resource exhaustion", core.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectMemoryType() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SelectMemoryType() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAllocator(t *testing.T) {
	d := sim.New(sim.Options{})
	a := NewAllocator(d)
	req := gpu.MemoryRequirements{Size: 128, Alignment: 16, TypeBits: 0b111}

	host, err := a.Allocate(req, gpu.MemoryPropertyHostVisible|gpu.MemoryPropertyHostCoherent)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if !host.HostVisible() || host.TypeIndex != 1 {
		t.Errorf("Allocate() = %+v, want host visible type 1", host)
	}
	if a.Usage(1) != 128 || a.Live() != 1 {
		t.Errorf("Usage(1) = %d Live() = %d", a.Usage(1), a.Live())
	}

	if err := a.Write(host, 8, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	out := make([]byte, 3)
	if err := a.Read(host, 8, out); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if out[0] != 1 || out[2] != 3 {
		t.Errorf("Read() = %v, want [1 2 3]", out)
	}

	local, err := a.Allocate(req, gpu.MemoryPropertyDeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Read(local, 0, out); !errors.Is(err, core.ErrMemoryNotHostVisible) {
		t.Errorf("Read() of device local memory error = %v", err)
	}

	a.Free(host)
	a.Free(local)
	if a.Live() != 0 || a.Usage(1) != 0 {
		t.Errorf("after Free Live() = %d Usage(1) = %d", a.Live(), a.Usage(1))
	}
}

func TestAllocator_HeapExhausted(t *testing.T) {
	d := sim.New(sim.Options{HeapSize: 64})
	a := NewAllocator(d)
	_, err := a.Allocate(gpu.MemoryRequirements{Size: 128, TypeBits: 0b1}, gpu.MemoryPropertyDeviceLocal)
	if !errors.Is(err, core.ErrResourceExhaustion) {
		t.Errorf("Allocate() error = %v, want resource exhaustion", err)
	}
}
