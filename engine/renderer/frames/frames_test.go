package frames

import (
	"errors"
	"testing"

	"github.com/spaghettifunk/vkframe/engine/core"
	"github.com/spaghettifunk/vkframe/engine/renderer/commands"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu"
	"github.com/spaghettifunk/vkframe/engine/renderer/gpu/sim"
)

type fixture struct {
	d    *sim.Device
	sc   *sim.Swapchain
	pool *commands.Pool
	sync *Synchronizer
	rec  *commands.Recorder
}

func newFixture(t *testing.T, frames int) *fixture {
	t.Helper()
	d := sim.New(sim.Options{})
	sc, err := d.CreateSwapchain(gpu.SwapchainCreateInfo{Extent: gpu.Extent2D{Width: 32, Height: 32}})
	if err != nil {
		t.Fatal(err)
	}
	pool, err := commands.NewPool(d, d.GraphicsQueue(), true)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(d, pool, frames, 0, core.NewFrameMetrics())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{d: d, sc: sc.(*sim.Swapchain), pool: pool, sync: s, rec: commands.NewRecorder([4]float32{0, 0, 0, 1}, 1)}
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	frame, err := f.sync.BeginFrame(f.sc)
	if err != nil {
		t.Fatalf("BeginFrame() error = %v", err)
	}
	f.record(t, frame)
	if err := f.sync.SubmitAndPresent(frame, f.sc); err != nil {
		t.Fatalf("SubmitAndPresent() error = %v", err)
	}
}

func (f *fixture) record(t *testing.T, frame *Frame) {
	t.Helper()
	target := commands.RenderTarget{
		RenderPass:  f.sc.RenderPass(),
		Framebuffer: f.sc.Framebuffer(frame.ImageIndex),
		Extent:      f.sc.Extent(),
	}
	if err := f.rec.Record(frame.CommandBuffer, target, nil, nil); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
}

func TestSyncObjectsCreatedOnce(t *testing.T) {
	f := newFixture(t, 2)
	fences, sems := f.d.Created("fence"), f.d.Created("semaphore")
	if fences != 2 || sems != 4 {
		t.Fatalf("created %d fences and %d semaphores, want 2 and 4", fences, sems)
	}
	for i := 0; i < 5; i++ {
		f.tick(t)
	}
	if got := f.d.Created("fence"); got != fences {
		t.Errorf("fences created = %d after 5 ticks, want %d", got, fences)
	}
	if got := f.d.Created("semaphore"); got != sems {
		t.Errorf("semaphores created = %d after 5 ticks, want %d", got, sems)
	}
	if v := f.d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
}

func TestFenceWaitOrder(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 5; i++ {
		f.tick(t)
	}
	s0, s1 := uint64(f.sync.Slot(0).InFlight.Handle), uint64(f.sync.Slot(1).InFlight.Handle)
	want := []uint64{s0, s1, s0, s1, s0}

	waits := f.d.EventsOf(sim.EventFenceWait)
	if len(waits) != len(want) {
		t.Fatalf("got %d fence waits %v, want %d", len(waits), waits, len(want))
	}
	for i, w := range waits {
		if w.Handle != want[i] {
			t.Errorf("wait %d on fence %d, want %d", i, w.Handle, want[i])
		}
	}

	// From the third tick on each wait must follow a submit carrying that fence.
	events := f.d.Events()
	for _, w := range waits[2:] {
		found := false
		for _, e := range events {
			if e.Seq >= w.Seq {
				break
			}
			if e.Kind == sim.EventSubmit && e.Fence == w.Handle {
				found = true
			}
		}
		if !found {
			t.Errorf("wait %s has no earlier submit signaling it", w)
		}
	}
	if v := f.d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
}

func TestOutOfDateRetry(t *testing.T) {
	f := newFixture(t, 2)
	f.tick(t)

	f.sc.Invalidate()
	_, err := f.sync.BeginFrame(f.sc)
	if !errors.Is(err, core.ErrSurfaceOutOfDate) {
		t.Fatalf("BeginFrame() error = %v, want out of date", err)
	}
	if got := f.sync.Slot(1).State; got != SlotIdle {
		t.Errorf("slot state after failed acquire = %s, want idle", got)
	}
	if err := f.sync.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	if err := f.sc.Recreate(gpu.Extent2D{Width: 64, Height: 64}); err != nil {
		t.Fatal(err)
	}
	f.sync.ResetImages(f.sc.ImageCount())

	waitsBefore := len(f.d.EventsOf(sim.EventFenceWait))
	frame, err := f.sync.BeginFrame(f.sc)
	if err != nil {
		t.Fatalf("BeginFrame() after rebuild error = %v", err)
	}
	if got := len(f.d.EventsOf(sim.EventFenceWait)); got != waitsBefore {
		t.Errorf("retry waited on the reset fence again (%d waits, want %d)", got, waitsBefore)
	}
	if frame.Tick != 1 || frame.Slot.Index != 1 {
		t.Errorf("retry frame = tick %d slot %d, want tick 1 slot 1", frame.Tick, frame.Slot.Index)
	}
	f.record(t, frame)
	if err := f.sync.SubmitAndPresent(frame, f.sc); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		f.tick(t)
	}
	if v := f.d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
}

func TestSlotInFlight(t *testing.T) {
	f := newFixture(t, 2)
	if f.sync.Completed() != -1 {
		t.Fatalf("Completed() = %d before any frame, want -1", f.sync.Completed())
	}
	f.tick(t)
	f.tick(t)
	if !f.sync.SlotInFlight(0) || !f.sync.SlotInFlight(1) {
		t.Error("both slots should be in flight after two unwaited ticks")
	}
	f.tick(t)
	if f.sync.Completed() != 0 {
		t.Errorf("Completed() = %d, want 0", f.sync.Completed())
	}
	if !f.sync.SlotInFlight(0) || !f.sync.SlotInFlight(1) {
		t.Error("slots 0 (tick 2) and 1 (tick 1) should be in flight")
	}
	if err := f.sync.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	if f.sync.Completed() != 2 || f.sync.SlotInFlight(0) || f.sync.SlotInFlight(1) {
		t.Errorf("after WaitIdle Completed() = %d, slots in flight %v %v", f.sync.Completed(), f.sync.SlotInFlight(0), f.sync.SlotInFlight(1))
	}
	if f.sync.SlotInFlight(7) {
		t.Error("SlotInFlight(7) = true for an unknown slot")
	}
}

func TestSubmitFailure(t *testing.T) {
	f := newFixture(t, 2)
	frame, err := f.sync.BeginFrame(f.sc)
	if err != nil {
		t.Fatal(err)
	}
	f.record(t, frame)
	f.d.FailNext(sim.OpQueueSubmit, errors.New("device lost"))
	err = f.sync.SubmitAndPresent(frame, f.sc)
	if !errors.Is(err, core.ErrQueueSubmitFailed) {
		t.Fatalf("SubmitAndPresent() error = %v, want queue submit failure", err)
	}
	if f.sync.Tick() != 0 {
		t.Errorf("Tick() = %d after failed submit, want 0", f.sync.Tick())
	}
}

func TestSubmitRequiresRecordedFrame(t *testing.T) {
	f := newFixture(t, 1)
	frame, err := f.sync.BeginFrame(f.sc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sync.BeginFrame(f.sc); !errors.Is(err, core.ErrInvalidObjectState) {
		t.Errorf("second BeginFrame() error = %v", err)
	}
	if err := f.sync.SubmitAndPresent(frame, f.sc); !errors.Is(err, core.ErrInvalidCommandBufferState) {
		t.Errorf("SubmitAndPresent() of an unrecorded frame error = %v", err)
	}
	if err := f.sync.SubmitAndPresent(&Frame{}, f.sc); !errors.Is(err, core.ErrInvalidObjectState) {
		t.Errorf("SubmitAndPresent() of a foreign frame error = %v", err)
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, 3)
	for i := 0; i < 4; i++ {
		f.tick(t)
	}
	if err := f.sync.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	if err := f.sync.Close(); err != nil {
		t.Fatal(err)
	}
	live := f.d.Live()
	for _, kind := range []string{"fence", "semaphore", "command-buffer"} {
		if live[kind] != 0 {
			t.Errorf("live %s = %d after Close", kind, live[kind])
		}
	}
	if v := f.d.Violations(); len(v) != 0 {
		t.Errorf("Violations() = %v", v)
	}
}

func TestNewRejectsZeroFrames(t *testing.T) {
	d := sim.New(sim.Options{})
	pool, _ := commands.NewPool(d, d.GraphicsQueue(), true)
	if _, err := New(d, pool, 0, 0, nil); !errors.Is(err, core.ErrInitializationFailure) {
		t.Errorf("New() error = %v", err)
	}
}

func TestNewRollsBackOnFailure(t *testing.T) {
	d := sim.New(sim.Options{})
	pool, _ := commands.NewPool(d, d.GraphicsQueue(), true)
	d.FailNext(sim.OpCreateFence, errors.New("out of memory"))
	if _, err := New(d, pool, 2, 0, nil); !errors.Is(err, core.ErrInitializationFailure) {
		t.Fatalf("New() error = %v", err)
	}
	live := d.Live()
	for _, kind := range []string{"fence", "semaphore", "command-buffer"} {
		if live[kind] != 0 {
			t.Errorf("live %s = %d after failed New", kind, live[kind])
		}
	}
}
