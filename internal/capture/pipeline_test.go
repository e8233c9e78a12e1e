package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeDevice feeds scripted PCM frames into the pipeline.
type fakeDevice struct {
	mu        sync.Mutex
	failFirst int // number of Start calls to fail
	starts    int
	stops     int
	frames    chan []int16
}

func (d *fakeDevice) Start(ctx context.Context, sampleRate int) (<-chan []int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.failFirst > 0 {
		d.failFirst--
		return nil, errors.New("device busy")
	}
	d.frames = make(chan []int16, 100)
	return d.frames, nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return nil
}

func (d *fakeDevice) Available() bool { return true }

func (d *fakeDevice) feed(frame []int16) {
	d.mu.Lock()
	ch := d.frames
	d.mu.Unlock()
	if ch != nil {
		select {
		case ch <- frame:
		default:
		}
	}
}

// loudFrame is clearly above a -30dB threshold, quietFrame clearly below.
func loudFrame() []int16 {
	f := make([]int16, 320)
	for i := range f {
		f[i] = 8000
	}
	return f
}

func quietFrame() []int16 { return make([]int16, 320) }

func testOptions(t *testing.T) Options {
	return Options{
		SampleRate:         16000,
		SilenceEnabled:     true,
		SilenceThresholdDB: -30,
		MinSilence:         100 * time.Millisecond,
		MaxDuration:        5 * time.Second,
		TempDir:            t.TempDir(),
	}
}

func TestStartIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	p := New(dev, testOptions(t))
	defer p.Cleanup()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}

	dev.mu.Lock()
	starts := dev.starts
	dev.mu.Unlock()
	if starts != 1 {
		t.Errorf("expected exactly one device start, got %d", starts)
	}
	if !p.Recording() {
		t.Error("pipeline should be recording")
	}
}

func TestStartRetries(t *testing.T) {
	dev := &fakeDevice{failFirst: 2}
	p := New(dev, testOptions(t))
	defer p.Cleanup()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start should succeed on third attempt: %v", err)
	}
	dev.mu.Lock()
	starts := dev.starts
	dev.mu.Unlock()
	if starts != 3 {
		t.Errorf("expected 3 start attempts, got %d", starts)
	}
}

func TestStartRetryBudgetExhausted(t *testing.T) {
	dev := &fakeDevice{failFirst: 10}
	p := New(dev, testOptions(t))

	err := p.Start(context.Background())
	if !errors.Is(err, ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if p.Recording() {
		t.Error("pipeline must not be recording after failed start")
	}
}

func TestManualStopReturnsResult(t *testing.T) {
	dev := &fakeDevice{}
	opts := testOptions(t)
	opts.SilenceEnabled = false
	p := New(dev, opts)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		dev.feed(loudFrame())
	}
	time.Sleep(50 * time.Millisecond) // let the collector drain

	res, err := p.Stop()
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result from the first stop")
	}
	defer res.Release()
	if res.SizeBytes == 0 {
		t.Error("recording file should not be empty")
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("recording file missing: %v", err)
	}

	// second stop: recorder already released, silently a no-op
	res2, err := p.Stop()
	if err != nil {
		t.Fatalf("second stop errored: %v", err)
	}
	if res2 != nil {
		t.Error("second stop must not produce a result")
	}
}

func TestSilenceAutoStop(t *testing.T) {
	dev := &fakeDevice{}
	p := New(dev, testOptions(t))

	done := make(chan Result, 1)
	p.AutoStop = func(r Result) { done <- r }

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// speech first, then sustained silence past the minimum duration
	stop := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	loudUntil := time.Now().Add(200 * time.Millisecond)
	for {
		select {
		case r := <-done:
			r.Release()
			if p.Recording() {
				t.Error("pipeline still recording after auto-stop")
			}
			return
		case <-stop:
			t.Fatal("silence detection never fired")
		case <-ticker.C:
			if time.Now().Before(loudUntil) {
				dev.feed(loudFrame())
			} else {
				dev.feed(quietFrame())
			}
		}
	}
}

func TestSilenceResetsOnSound(t *testing.T) {
	dev := &fakeDevice{}
	opts := testOptions(t)
	opts.MinSilence = 300 * time.Millisecond
	p := New(dev, opts)

	fired := make(chan Result, 1)
	p.AutoStop = func(r Result) { fired <- r }

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// alternate short silences with sound; detection must never trip
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	end := time.Now().Add(900 * time.Millisecond)
	i := 0
	for time.Now().Before(end) {
		select {
		case r := <-fired:
			r.Release()
			t.Fatal("silence detection fired despite intervening sound")
		case <-ticker.C:
			i++
			if i%10 == 0 {
				dev.feed(loudFrame())
			} else {
				dev.feed(quietFrame())
			}
		}
	}
	if res, _ := p.Stop(); res != nil {
		res.Release()
	}
}

func TestStopSurfacesFinalizeFailure(t *testing.T) {
	dev := &fakeDevice{}
	opts := testOptions(t)
	opts.SilenceEnabled = false
	opts.TempDir = filepath.Join(t.TempDir(), "missing", "dir") // WAV write must fail
	p := New(dev, opts)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	dev.feed(loudFrame())
	time.Sleep(50 * time.Millisecond)

	res, err := p.Stop()
	if err == nil {
		t.Fatal("stop must report the finalize failure, not swallow it")
	}
	if res != nil {
		t.Errorf("failed finalize produced a result: %+v", res)
	}
	if p.Recording() {
		t.Error("pipeline still recording after failed stop")
	}
}

func TestAutoStopFinalizeFailureReportsError(t *testing.T) {
	dev := &fakeDevice{}
	opts := testOptions(t)
	opts.SilenceEnabled = false
	opts.MaxDuration = 100 * time.Millisecond
	opts.TempDir = filepath.Join(t.TempDir(), "missing", "dir")
	p := New(dev, opts)

	stopped := make(chan Result, 1)
	failed := make(chan error, 1)
	p.AutoStop = func(r Result) { stopped <- r }
	p.OnError = func(err error) { failed <- err }

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	dev.feed(loudFrame())

	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("OnError delivered a nil error")
		}
	case r := <-stopped:
		r.Release()
		t.Fatal("AutoStop fired despite the finalize failure")
	case <-time.After(2 * time.Second):
		t.Fatal("finalize failure was never reported")
	}
	if p.Recording() {
		t.Error("pipeline still recording after failed auto-stop")
	}
}

func TestSafetyTimerForcesStop(t *testing.T) {
	dev := &fakeDevice{}
	opts := testOptions(t)
	opts.SilenceEnabled = false
	opts.MaxDuration = 150 * time.Millisecond
	p := New(dev, opts)

	done := make(chan Result, 1)
	p.AutoStop = func(r Result) { done <- r }

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	dev.feed(loudFrame())

	select {
	case r := <-done:
		r.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("safety timer never forced a stop")
	}
	if p.Recording() {
		t.Error("pipeline still recording after safety stop")
	}
}

func TestSinkReceivesLiveFrames(t *testing.T) {
	dev := &fakeDevice{}
	opts := testOptions(t)
	opts.SilenceEnabled = false
	p := New(dev, opts)
	defer p.Cleanup()

	var mu sync.Mutex
	var got int
	p.SetSink(sinkFunc(func(pcm []int16) {
		mu.Lock()
		got++
		mu.Unlock()
	}))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		dev.feed(loudFrame())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := got
		mu.Unlock()
		if n >= 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sink never received the live frames")
}

type sinkFunc func([]int16)

func (f sinkFunc) WriteFrame(pcm []int16) { f(pcm) }

func TestCleanupFromAnyState(t *testing.T) {
	dev := &fakeDevice{}
	p := New(dev, testOptions(t))

	p.Cleanup() // never started

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	p.Cleanup()
	if p.Recording() {
		t.Error("pipeline still recording after cleanup")
	}
	p.Cleanup() // again, must stay safe
}

func TestMeter(t *testing.T) {
	if got := dbfs(rms(quietFrame())); got != -96 {
		t.Errorf("digital silence should clamp to -96dB, got %v", got)
	}
	loud := dbfs(rms(loudFrame()))
	if loud < -30 {
		t.Errorf("loud frame should be above -30dB, got %v", loud)
	}
}
