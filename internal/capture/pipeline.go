// Package capture acquires the microphone, applies adaptive silence
// detection, and enforces a maximum-duration safety bound. Recordings are
// written as WAV files whose ownership transfers to the transport strategy
// that sends them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/auravoice/aura/internal/logging"
)

// ErrStartFailed is returned when the recorder cannot start after the
// bounded retry budget.
var ErrStartFailed = errors.New("capture: start failed")

// minUtterance guards against silence detection firing before the user had
// a chance to speak at all.
const minUtterance = 500 * time.Millisecond

// Result describes a completed recording. The file at Path belongs to the
// receiver; whichever transport sends it must release it afterwards.
type Result struct {
	Path       string
	DurationMS int64
	SizeBytes  int64
}

// Release removes the recording file. Safe on an already-released result.
func (r Result) Release() {
	if r.Path != "" {
		os.Remove(r.Path)
	}
}

// FrameSink receives live PCM frames while recording, used to feed the peer
// streaming track in parallel with local buffering.
type FrameSink interface {
	WriteFrame(pcm []int16)
}

// Options configures the capture pipeline.
type Options struct {
	SampleRate         int
	SilenceEnabled     bool
	SilenceThresholdDB float64       // e.g. -30
	MinSilence         time.Duration // e.g. 2s
	MaxDuration        time.Duration // safety bound, always enforced
	TempDir            string        // defaults to os.TempDir()
}

// Pipeline owns the microphone for the lifetime of the conversation.
// Exactly one recording is active at a time; Start while recording is a
// successful no-op.
type Pipeline struct {
	device Device
	opts   Options

	// AutoStop is invoked when silence detection or the safety timer ends
	// the recording. Never called for a manual Stop.
	AutoStop func(Result)

	// OnError is invoked when an automatic stop cannot finalize the
	// recording. Without it a failed finalize would leave the caller
	// waiting for an AutoStop that never comes.
	OnError func(error)

	mu        sync.Mutex
	recording bool
	gen       int
	buf       []int16
	startedAt time.Time
	cancel    context.CancelFunc
	sink      FrameSink
}

// New creates a capture pipeline on the given device.
func New(device Device, opts Options) *Pipeline {
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	if opts.MaxDuration == 0 {
		opts.MaxDuration = 60 * time.Second
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Pipeline{device: device, opts: opts}
}

// SetSink attaches a live frame sink (peer streaming). Pass nil to detach.
func (p *Pipeline) SetSink(sink FrameSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Start begins recording. Calling while already recording returns success
// without creating a second recording. A genuine start retries the device
// up to 3 times before failing with ErrStartFailed.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.recording {
		p.mu.Unlock()
		logging.Debug("[capture] start ignored, already recording")
		return nil
	}
	p.mu.Unlock()

	var frames <-chan []int16
	backoff := retry.WithMaxRetries(2, retry.NewConstant(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		f, err := p.device.Start(ctx, p.opts.SampleRate)
		if err != nil {
			logging.Warnf("[capture] device start failed, retrying: %v", err)
			p.device.Stop()
			return retry.RetryableError(err)
		}
		frames = f
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.recording = true
	p.gen++
	gen := p.gen
	p.buf = p.buf[:0]
	p.startedAt = time.Now()
	p.cancel = cancel
	p.mu.Unlock()

	go p.collect(cctx, gen, frames)
	logging.Infof("[capture] recording started (%dHz mono)", p.opts.SampleRate)
	return nil
}

// collect drains device frames, meters levels for silence detection, and
// enforces the safety timer. The safety timer runs regardless of whether
// silence detection is enabled so the pipeline can never listen forever.
func (p *Pipeline) collect(ctx context.Context, gen int, frames <-chan []int16) {
	safety := time.NewTimer(p.opts.MaxDuration)
	defer safety.Stop()

	var silenceSince time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-safety.C:
			logging.Warnf("[capture] safety timer fired after %s", p.opts.MaxDuration)
			p.autoStop(gen)
			return

		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.mu.Lock()
			if gen != p.gen || !p.recording {
				p.mu.Unlock()
				return
			}
			p.buf = append(p.buf, frame...)
			sink := p.sink
			started := p.startedAt
			p.mu.Unlock()

			if sink != nil {
				sink.WriteFrame(frame)
			}

			if !p.opts.SilenceEnabled {
				continue
			}
			level := dbfs(rms(frame))
			if level > p.opts.SilenceThresholdDB {
				// sound observed, detection state resets
				silenceSince = time.Time{}
				continue
			}
			if silenceSince.IsZero() {
				silenceSince = time.Now()
				continue
			}
			if time.Since(silenceSince) >= p.opts.MinSilence && time.Since(started) >= minUtterance {
				logging.Infof("[capture] %s of silence below %.0fdB, stopping",
					p.opts.MinSilence, p.opts.SilenceThresholdDB)
				p.autoStop(gen)
				return
			}
		}
	}
}

// autoStop ends the recording from inside the pipeline (silence or safety)
// and reports the result through the AutoStop callback. A finalize failure
// is reported through OnError so the caller never waits on a stop that
// already happened.
func (p *Pipeline) autoStop(gen int) {
	res, stopped, err := p.finish(gen)
	if !stopped {
		return
	}
	if err != nil {
		logging.Errorf("[capture] recording lost: %v", err)
		if p.OnError != nil {
			p.OnError(err)
		}
		return
	}
	if p.AutoStop != nil {
		p.AutoStop(res)
	}
}

// Stop ends the recording and returns the result. A recorder that was
// already released (the safety timer won the race) returns nil with no
// error; the timer/manual-stop race must stay silent. A recording that
// stopped but could not be finalized returns the finalize error.
func (p *Pipeline) Stop() (*Result, error) {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()

	res, stopped, err := p.finish(gen)
	if !stopped {
		logging.Debug("[capture] stop ignored, recorder already released")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// finish transitions recording→stopped exactly once per generation, releases
// the device and writes out the WAV file. stopped reports whether this call
// performed the transition; err reports a finalize failure after it.
func (p *Pipeline) finish(gen int) (Result, bool, error) {
	p.mu.Lock()
	if !p.recording || gen != p.gen {
		p.mu.Unlock()
		return Result{}, false, nil
	}
	p.recording = false
	cancel := p.cancel
	p.cancel = nil
	pcm := make([]int16, len(p.buf))
	copy(pcm, p.buf)
	p.buf = p.buf[:0]
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.device.Stop()

	durationMS := int64(len(pcm)) * 1000 / int64(p.opts.SampleRate)
	path := filepath.Join(p.opts.TempDir, fmt.Sprintf("aura_rec_%d.wav", time.Now().UnixNano()))
	if err := writeWAV(path, pcm, p.opts.SampleRate); err != nil {
		return Result{}, true, fmt.Errorf("write recording: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, true, fmt.Errorf("stat recording: %w", err)
	}

	logging.Infof("[capture] recording stopped: %dms, %d bytes", durationMS, info.Size())
	return Result{Path: path, DurationMS: durationMS, SizeBytes: info.Size()}, true, nil
}

// Cleanup unconditionally releases any active recording and its timers.
// Safe to call from any state.
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.recording = false
	p.buf = p.buf[:0]
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.device.Stop()
}

// Recording reports whether a recording is in flight.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}
