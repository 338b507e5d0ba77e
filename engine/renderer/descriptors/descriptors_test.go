package descriptors

import (
	"errors"
	"testing"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
)

var uboBinding = []gpu.DescriptorSetLayoutBinding{
	{Binding: 0, Type: gpu.DescriptorUniformBuffer, Count: 1, Stages: gpu.ShaderStageAllGraphics},
}

type slots map[int]bool

func (s slots) SlotInFlight(slot int) bool { return s[slot] }

func uniformBuffer(t *testing.T, d *sim.Device) gpu.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(gpu.BufferCreateInfo{Size: 64, Usage: gpu.BufferUsageUniform})
	if err != nil {
		t.Fatal(err)
	}
	mem, _ := d.AllocateMemory(64, 1)
	if err := d.BindBufferMemory(b, mem, 0); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestSizing(t *testing.T) {
	pbr := []gpu.DescriptorSetLayoutBinding{
		{Binding: 0, Type: gpu.DescriptorUniformBuffer},
		{Binding: 1, Type: gpu.DescriptorCombinedImageSampler},
		{Binding: 2, Type: gpu.DescriptorCombinedImageSampler},
		{Binding: 3, Type: gpu.DescriptorCombinedImageSampler},
		{Binding: 4, Type: gpu.DescriptorCombinedImageSampler},
	}
	skybox := []gpu.DescriptorSetLayoutBinding{
		{Binding: 0, Type: gpu.DescriptorUniformBuffer},
		{Binding: 1, Type: gpu.DescriptorCombinedImageSampler},
	}
	compute := []gpu.DescriptorSetLayoutBinding{
		{Binding: 0, Type: gpu.DescriptorStorageBuffer},
		{Binding: 1, Type: gpu.DescriptorStorageBuffer},
	}

	tests := []struct {
		name    string
		reqs    []Requirement
		frames  int
		maxSets uint32
		counts  map[gpu.DescriptorType]uint32
	}{
		{
			name:    "all kinds",
			reqs:    []Requirement{{"pbr", 16, pbr}, {"skybox", 1, skybox}, {"computation", 1, compute}},
			frames:  2,
			maxSets: 36,
			counts: map[gpu.DescriptorType]uint32{
				gpu.DescriptorUniformBuffer:        34,
				gpu.DescriptorCombinedImageSampler: 130,
				gpu.DescriptorStorageBuffer:        4,
			},
		},
		{
			name:    "zero users count as one",
			reqs:    []Requirement{{"pbr", 0, pbr}, {"skybox", 1, skybox}},
			frames:  3,
			maxSets: 6,
			counts: map[gpu.DescriptorType]uint32{
				gpu.DescriptorUniformBuffer:        6,
				gpu.DescriptorCombinedImageSampler: 15,
			},
		},
		{
			name:    "no expected users",
			reqs:    []Requirement{{"pbr", 0, pbr}, {"computation", 0, compute}},
			frames:  2,
			maxSets: 4,
			counts: map[gpu.DescriptorType]uint32{
				gpu.DescriptorUniformBuffer:        2,
				gpu.DescriptorCombinedImageSampler: 8,
				gpu.DescriptorStorageBuffer:        4,
			},
		},
		{
			name:    "array binding",
			reqs:    []Requirement{{"lights", 2, []gpu.DescriptorSetLayoutBinding{{Type: gpu.DescriptorUniformBuffer, Count: 10}}}},
			frames:  1,
			maxSets: 2,
			counts:  map[gpu.DescriptorType]uint32{gpu.DescriptorUniformBuffer: 20},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sizing(tt.reqs, tt.frames)
			if got.MaxSets != tt.maxSets {
				t.Errorf("MaxSets = %d, want %d", got.MaxSets, tt.maxSets)
			}
			if len(got.Sizes) != len(tt.counts) {
				t.Fatalf("Sizes = %+v, want %v", got.Sizes, tt.counts)
			}
			for i, s := range got.Sizes {
				if s.Count != tt.counts[s.Type] {
					t.Errorf("%s count = %d, want %d", s.Type, s.Count, tt.counts[s.Type])
				}
				if i > 0 && got.Sizes[i-1].Type >= s.Type {
					t.Errorf("Sizes not ordered by type: %+v", got.Sizes)
				}
			}
		})
	}
}

func TestPoolExhaustionAndRecreate(t *testing.T) {
	d := sim.New(sim.Options{})
	layout, err := NewLayout(d, uboBinding)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := NewPool(d, Sizing([]Requirement{{"entity", 2, uboBinding}}, 2), 2)
	if err != nil {
		t.Fatal(err)
	}
	buf := uniformBuffer(t, d)

	var groups []*SetGroup
	for i := 0; i < 2; i++ {
		g, err := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, buf)))
		if err != nil {
			t.Fatalf("CreateDescriptorSets(%d) error = %v", i, err)
		}
		if len(g.Sets()) != 2 {
			t.Fatalf("len(Sets()) = %d, want one per frame", len(g.Sets()))
		}
		groups = append(groups, g)
	}

	_, err = pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, buf)))
	if !errors.Is(err, core.ErrDescriptorPoolExhausted) || core.KindOf(err) != core.ErrResourceExhaustion {
		t.Fatalf("third CreateDescriptorSets() error = %v, want pool exhausted", err)
	}
	for i, g := range groups {
		for slot := 0; slot < 2; slot++ {
			if got, ok := d.DescriptorBuffer(g.Set(slot), 0); !ok || got != buf {
				t.Errorf("group %d slot %d lost its binding after exhaustion", i, slot)
			}
		}
	}
	if pool.Groups() != 2 {
		t.Errorf("Groups() = %d, want 2", pool.Groups())
	}

	old := groups[0].Set(0)
	if err := pool.Recreate(2); err != nil {
		t.Fatalf("Recreate() error = %v", err)
	}
	if pool.Capacity().MaxSets != 8 {
		t.Errorf("MaxSets after Recreate(2) = %d, want 8", pool.Capacity().MaxSets)
	}
	if groups[0].Set(0) == old {
		t.Error("set not reallocated after Recreate")
	}
	if got, ok := d.DescriptorBuffer(groups[1].Set(1), 0); !ok || got != buf {
		t.Error("binding not rewritten after Recreate")
	}
	if _, err := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, buf))); err != nil {
		t.Errorf("CreateDescriptorSets() after Recreate error = %v", err)
	}
	if v := d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
}

func TestSharedMode(t *testing.T) {
	d := sim.New(sim.Options{})
	layout, _ := NewLayout(d, uboBinding)
	pool, _ := NewPool(d, Sizing([]Requirement{{"computation", 1, uboBinding}}, 3), 3)
	g, err := pool.CreateDescriptorSets(layout, Shared, Static(UniformBuffer(0, uniformBuffer(t, d))))
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Sets()) != 1 || g.Set(0) != g.Set(2) {
		t.Errorf("shared group sets = %v", g.Sets())
	}
}

func TestUpdateRefusedWhileInFlight(t *testing.T) {
	d := sim.New(sim.Options{})
	layout, _ := NewLayout(d, uboBinding)
	pool, _ := NewPool(d, Sizing([]Requirement{{"a", 1, uboBinding}, {"b", 1, uboBinding}}, 2), 2)
	first, second := uniformBuffer(t, d), uniformBuffer(t, d)

	perFrame, _ := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, first)))
	shared, _ := pool.CreateDescriptorSets(layout, Shared, Static(UniformBuffer(0, first)))

	tests := []struct {
		name    string
		group   *SetGroup
		slot    int
		busy    slots
		wantErr bool
	}{
		{"per frame idle slot", perFrame, 0, slots{1: true}, false},
		{"per frame busy slot", perFrame, 1, slots{1: true}, true},
		{"shared with any slot busy", shared, 0, slots{1: true}, true},
		{"shared all idle", shared, 0, slots{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.group.Update(tt.slot, []Binding{UniformBuffer(0, second)}, tt.busy)
			if tt.wantErr {
				if !errors.Is(err, core.ErrResourceInUse) {
					t.Errorf("Update() error = %v, want ErrResourceInUse", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if got, _ := d.DescriptorBuffer(tt.group.Set(tt.slot), 0); got != second {
				t.Errorf("binding = %d, want %d", got, second)
			}
		})
	}

	if err := pool.Recreate(1); err != nil {
		t.Fatal(err)
	}
	if got, _ := d.DescriptorBuffer(perFrame.Set(0), 0); got != second {
		t.Errorf("updated binding lost on Recreate: %d", got)
	}
	if got, _ := d.DescriptorBuffer(perFrame.Set(1), 0); got != first {
		t.Errorf("untouched slot rewritten on Recreate: %d", got)
	}
}

func TestBindingTypeMismatch(t *testing.T) {
	d := sim.New(sim.Options{})
	layout, _ := NewLayout(d, uboBinding)
	pool, _ := NewPool(d, Sizing([]Requirement{{"a", 1, uboBinding}}, 1), 1)
	_, err := pool.CreateDescriptorSets(layout, PerFrame, Static(StorageBuffer(0, uniformBuffer(t, d))))
	if !errors.Is(err, core.ErrInvalidObjectState) {
		t.Errorf("CreateDescriptorSets() error = %v, want invalid object state", err)
	}
	if n := d.Live()["descriptor-set"]; n != 0 {
		t.Errorf("live descriptor-set = %d after a rejected binding, want 0", n)
	}
	if _, err := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, uniformBuffer(t, d)))); err != nil {
		t.Errorf("CreateDescriptorSets() after a rejected binding error = %v", err)
	}
}

func TestGrowReclaimsReleasedSets(t *testing.T) {
	d := sim.New(sim.Options{})
	layout, _ := NewLayout(d, uboBinding)
	pool, err := NewPool(d, Sizing([]Requirement{{"entity", 1, uboBinding}}, 2), 2)
	if err != nil {
		t.Fatal(err)
	}
	buf := uniformBuffer(t, d)
	before := pool.Capacity().MaxSets

	for i := 0; i < 40; i++ {
		g, err := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, buf)))
		if errors.Is(err, core.ErrDescriptorPoolExhausted) {
			if err := pool.Grow(); err != nil {
				t.Fatalf("cycle %d: Grow() error = %v", i, err)
			}
			g, err = pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, buf)))
		}
		if err != nil {
			t.Fatalf("cycle %d: CreateDescriptorSets() error = %v", i, err)
		}
		g.Release()
	}
	if got := pool.Capacity().MaxSets; got != before {
		t.Errorf("MaxSets = %d after add/release churn, want %d", got, before)
	}
	if got := pool.Stale(); got != 2 {
		t.Errorf("Stale() = %d, want the sets of the last released group", got)
	}
	if v := d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
}

func TestGrowDoublesWhenLiveSetsFillPool(t *testing.T) {
	d := sim.New(sim.Options{})
	layout, _ := NewLayout(d, uboBinding)
	pool, _ := NewPool(d, Sizing([]Requirement{{"entity", 2, uboBinding}}, 1), 1)
	buf := uniformBuffer(t, d)

	tests := []struct {
		name    string
		release bool
		maxSets uint32
	}{
		{"live groups fill the pool", false, 4},
		{"released group leaves room", true, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var last *SetGroup
			for {
				g, err := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, buf)))
				if errors.Is(err, core.ErrDescriptorPoolExhausted) {
					break
				}
				if err != nil {
					t.Fatal(err)
				}
				last = g
			}
			if tt.release && last != nil {
				last.Release()
			}
			if err := pool.Grow(); err != nil {
				t.Fatalf("Grow() error = %v", err)
			}
			if got := pool.Capacity().MaxSets; got != tt.maxSets {
				t.Errorf("MaxSets = %d, want %d", got, tt.maxSets)
			}
			if pool.Stale() != 0 {
				t.Errorf("Stale() = %d after Grow, want 0", pool.Stale())
			}
		})
	}
}

func TestRecreateFailureLeavesNoDanglingSets(t *testing.T) {
	d := sim.New(sim.Options{})
	layout, _ := NewLayout(d, uboBinding)
	pool, _ := NewPool(d, Sizing([]Requirement{{"entity", 3, uboBinding}}, 1), 1)
	buf := uniformBuffer(t, d)

	calls := 0
	flaky := func(int) []Binding {
		calls++
		if calls > 1 {
			return []Binding{StorageBuffer(0, buf)}
		}
		return []Binding{UniformBuffer(0, buf)}
	}
	first, _ := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, buf)))
	broken, err := pool.CreateDescriptorSets(layout, PerFrame, flaky)
	if err != nil {
		t.Fatal(err)
	}
	last, _ := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, buf)))

	if err := pool.Recreate(1); !errors.Is(err, core.ErrInvalidObjectState) {
		t.Fatalf("Recreate() error = %v, want invalid object state", err)
	}
	if first.Set(0) == 0 {
		t.Error("group before the failure lost its sets")
	}
	for name, g := range map[string]*SetGroup{"failed": broken, "following": last} {
		if g.Set(0) != 0 {
			t.Errorf("%s group still binds set %d of the destroyed pool", name, g.Set(0))
		}
		if err := g.Update(0, []Binding{UniformBuffer(0, buf)}, nil); !errors.Is(err, core.ErrStaleHandle) {
			t.Errorf("%s group Update() error = %v, want ErrStaleHandle", name, err)
		}
	}
}

func TestReleaseAndDestroy(t *testing.T) {
	d := sim.New(sim.Options{})
	layout, _ := NewLayout(d, uboBinding)
	pool, _ := NewPool(d, Sizing([]Requirement{{"a", 2, uboBinding}}, 1), 1)
	g, _ := pool.CreateDescriptorSets(layout, PerFrame, Static(UniformBuffer(0, uniformBuffer(t, d))))
	g.Release()
	if pool.Groups() != 0 || g.Set(0) != 0 {
		t.Errorf("Release() left group registered or sets bound")
	}
	if err := g.Update(0, nil, nil); !errors.Is(err, core.ErrStaleHandle) {
		t.Errorf("Update() after Release error = %v", err)
	}
	pool.Destroy()
	layout.Destroy()
	for _, kind := range []string{"descriptor-pool", "descriptor-set", "descriptor-set-layout"} {
		if n := d.Live()[kind]; n != 0 {
			t.Errorf("live %s = %d", kind, n)
		}
	}
}

func TestNewPoolWithoutSets(t *testing.T) {
	d := sim.New(sim.Options{})
	if _, err := NewPool(d, gpu.DescriptorPoolCreateInfo{}, 2); !errors.Is(err, core.ErrInitializationFailure) {
		t.Errorf("NewPool() error = %v", err)
	}
}
