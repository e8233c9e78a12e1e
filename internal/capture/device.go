package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/auravoice/aura/internal/logging"
)

// Device produces 20ms frames of mono S16LE PCM from an audio input.
// Implementations must tolerate Stop being called more than once.
type Device interface {
	// Start begins capture and returns the frame channel. The channel is
	// closed when the device stops or fails.
	Start(ctx context.Context, sampleRate int) (<-chan []int16, error)
	// Stop releases the input. Safe to call when not started.
	Stop() error
	// Available reports whether this device can capture on this host.
	Available() bool
}

// ExecDevice records via a platform audio tool (arecord, sox or ffmpeg)
// streaming raw PCM on stdout.
type ExecDevice struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewExecDevice returns the platform-tool backed microphone device.
func NewExecDevice() *ExecDevice {
	return &ExecDevice{}
}

// recordCommand picks the first available capture tool for this platform.
func recordCommand(sampleRate int) (*exec.Cmd, error) {
	rate := fmt.Sprintf("%d", sampleRate)
	switch runtime.GOOS {
	case "linux":
		if _, err := exec.LookPath("arecord"); err == nil {
			return exec.Command("arecord", "-q", "-f", "S16_LE", "-r", rate, "-c", "1", "-t", "raw"), nil
		}
		if _, err := exec.LookPath("sox"); err == nil {
			return exec.Command("sox", "-d", "-q", "-r", rate, "-c", "1", "-b", "16", "-e", "signed-integer", "-t", "raw", "-"), nil
		}
		if _, err := exec.LookPath("ffmpeg"); err == nil {
			return exec.Command("ffmpeg", "-loglevel", "quiet", "-f", "alsa", "-i", "default",
				"-ar", rate, "-ac", "1", "-f", "s16le", "-"), nil
		}
	case "darwin":
		if _, err := exec.LookPath("sox"); err == nil {
			return exec.Command("sox", "-d", "-q", "-r", rate, "-c", "1", "-b", "16", "-e", "signed-integer", "-t", "raw", "-"), nil
		}
		if _, err := exec.LookPath("ffmpeg"); err == nil {
			return exec.Command("ffmpeg", "-loglevel", "quiet", "-f", "avfoundation", "-i", ":0",
				"-ar", rate, "-ac", "1", "-f", "s16le", "-"), nil
		}
	case "windows":
		if _, err := exec.LookPath("ffmpeg"); err == nil {
			return exec.Command("ffmpeg", "-loglevel", "quiet", "-f", "dshow", "-i", "audio=Microphone",
				"-ar", rate, "-ac", "1", "-f", "s16le", "-"), nil
		}
	}
	return nil, fmt.Errorf("no capture tool found (install arecord, sox or ffmpeg)")
}

// Available reports whether any capture tool exists on this host.
func (d *ExecDevice) Available() bool {
	_, err := recordCommand(16000)
	return err == nil
}

// Start launches the capture tool and slices its stdout into 20ms frames.
func (d *ExecDevice) Start(ctx context.Context, sampleRate int) (<-chan []int16, error) {
	cmd, err := recordCommand(sampleRate)
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture tool: %w", err)
	}

	d.mu.Lock()
	d.cmd = cmd
	d.mu.Unlock()

	frames := make(chan []int16, 100)
	frameBytes := sampleRate * 2 * 20 / 1000 // 20ms of S16LE mono

	go func() {
		defer close(frames)
		buf := make([]byte, frameBytes)
		for {
			if _, err := io.ReadFull(stdout, buf); err != nil {
				return
			}
			frame := make([]int16, frameBytes/2)
			for i := range frame {
				frame[i] = int16(uint16(buf[i*2]) | uint16(buf[i*2+1])<<8)
			}
			select {
			case frames <- frame:
			default:
				// Drop frame if the pipeline is backed up
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return frames, nil
}

// Stop kills the capture tool. A tool that already exited is not an error.
func (d *ExecDevice) Stop() error {
	d.mu.Lock()
	cmd := d.cmd
	d.cmd = nil
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		logging.Debugf("[capture] kill capture tool: %v", err)
	}
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}
