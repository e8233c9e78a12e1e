package playback

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"
)

// Player plays one audio clip file at a time. Play returns a channel that
// delivers the playback outcome exactly once.
type Player interface {
	Play(path string) (<-chan error, error)
	// Stop aborts the current playback. No active playback is a no-op.
	Stop()
	// Available reports whether this host can play audio.
	Available() bool
}

// ExecPlayer plays clips via a platform audio tool (afplay, ffplay or mpg123).
type ExecPlayer struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewExecPlayer returns the platform-tool backed player.
func NewExecPlayer() *ExecPlayer {
	return &ExecPlayer{}
}

func playCommand(path string) (*exec.Cmd, error) {
	switch runtime.GOOS {
	case "darwin":
		if _, err := exec.LookPath("afplay"); err == nil {
			return exec.Command("afplay", path), nil
		}
	case "linux", "windows":
		// handled below
	}
	if _, err := exec.LookPath("ffplay"); err == nil {
		return exec.Command("ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", path), nil
	}
	if _, err := exec.LookPath("mpg123"); err == nil {
		return exec.Command("mpg123", "-q", path), nil
	}
	return nil, fmt.Errorf("no playback tool found (install ffplay or mpg123)")
}

// Available reports whether any playback tool exists on this host.
func (p *ExecPlayer) Available() bool {
	_, err := playCommand("probe")
	return err == nil
}

// Play starts the playback tool. The returned channel fires when the tool
// exits, which is the closest native "did just finish" signal we get.
func (p *ExecPlayer) Play(path string) (<-chan error, error) {
	cmd, err := playCommand(path)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playback tool: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	return done, nil
}

// Stop kills the current playback tool if any.
func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}
