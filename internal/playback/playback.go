// Package playback decodes and plays synthesized reply audio. Completion is
// detected from the player's exit, guarded by a safety timeout so Play can
// never hang, and decoded clips are cached by content hash in a bounded LRU.
package playback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/auravoice/aura/internal/logging"
)

// ErrPlaybackFailed is returned when the underlying player reports an error.
var ErrPlaybackFailed = errors.New("playback: failed")

// estimateBytesPerSecond is a conservative decode-rate guess used to size
// the safety timeout when the clip length is unknown. Underestimating the
// rate only makes the timeout longer, never cuts a clip short.
const estimateBytesPerSecond = 4000

// Options configures the playback pipeline.
type Options struct {
	CacheCapacity int           // max decoded clips kept on disk
	SafetyFloor   time.Duration // minimum safety timeout
	SafetyFactor  float64       // timeout = max(floor, estimated length * factor)
	TempDir       string
}

// Pipeline plays reply payloads one at a time. Play is single-flight: a new
// Play stops whatever is currently sounding.
type Pipeline struct {
	player Player
	opts   Options

	cache *lru.Cache[string, string] // content hash → decoded clip path

	mu      sync.Mutex
	session *session
}

// session is one in-flight playback; stop resolves it without error.
type session struct {
	stopCh chan struct{}
	once   sync.Once
}

func (s *session) stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// New creates a playback pipeline.
func New(player Player, opts Options) (*Pipeline, error) {
	if opts.CacheCapacity == 0 {
		opts.CacheCapacity = 16
	}
	if opts.SafetyFloor == 0 {
		opts.SafetyFloor = 5 * time.Second
	}
	if opts.SafetyFactor == 0 {
		opts.SafetyFactor = 1.5
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}

	// eviction unloads the decoded clip before the entry disappears
	cache, err := lru.NewWithEvict[string, string](opts.CacheCapacity, func(hash, path string) {
		os.Remove(path)
		logging.Debugf("[playback] evicted cached clip %s", hash[:8])
	})
	if err != nil {
		return nil, err
	}
	return &Pipeline{player: player, opts: opts, cache: cache}, nil
}

// Play decodes (or reuses a cached decode of) the payload and plays it to
// completion. It always returns within the safety timeout even if the
// player's completion signal never fires. A concurrent Stop resolves Play
// with nil.
func (p *Pipeline) Play(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrPlaybackFailed)
	}

	// single flight: displace whatever is currently playing
	p.Stop()

	path, err := p.decoded(payload)
	if err != nil {
		return err
	}

	done, err := p.player.Play(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
	}

	s := &session{stopCh: make(chan struct{})}
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()

	timeout := p.safetyTimeout(int64(len(payload)))
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer func() {
		p.mu.Lock()
		if p.session == s {
			p.session = nil
		}
		p.mu.Unlock()
	}()

	select {
	case err := <-done:
		select {
		case <-s.stopCh:
			// deliberately stopped; the kill-induced exit error is expected
			return nil
		default:
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPlaybackFailed, err)
		}
		return nil

	case <-s.stopCh:
		p.player.Stop()
		return nil

	case <-timer.C:
		logging.Warnf("[playback] completion signal never fired, safety timeout after %s", timeout)
		p.player.Stop()
		return nil

	case <-ctx.Done():
		p.player.Stop()
		return ctx.Err()
	}
}

// Stop aborts the current playback. No active playback is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

// CacheLen reports how many decoded clips are cached.
func (p *Pipeline) CacheLen() int {
	return p.cache.Len()
}

// decoded returns the on-disk decoded clip for the payload, reusing the
// cache when the same content was played before.
func (p *Pipeline) decoded(payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	if path, ok := p.cache.Get(hash); ok {
		if _, err := os.Stat(path); err == nil {
			logging.Debugf("[playback] cache hit %s", hash[:8])
			return path, nil
		}
		p.cache.Remove(hash)
	}

	path := filepath.Join(p.opts.TempDir, fmt.Sprintf("aura_clip_%s%s", hash[:16], clipExt(payload)))
	if err := os.WriteFile(path, payload, 0600); err != nil {
		return "", fmt.Errorf("%w: write clip: %v", ErrPlaybackFailed, err)
	}
	p.cache.Add(hash, path)
	return path, nil
}

// safetyTimeout sizes the completion guard from the clip's estimated length.
func (p *Pipeline) safetyTimeout(sizeBytes int64) time.Duration {
	estimated := time.Duration(sizeBytes/estimateBytesPerSecond) * time.Second
	timeout := time.Duration(float64(estimated) * p.opts.SafetyFactor)
	if timeout < p.opts.SafetyFloor {
		return p.opts.SafetyFloor
	}
	return timeout
}

// clipExt sniffs the payload container so the playback tool gets a usable
// file extension.
func clipExt(data []byte) string {
	if len(data) > 4 && string(data[:4]) == "RIFF" {
		return ".wav"
	}
	if len(data) > 3 && (string(data[:3]) == "ID3" || (data[0] == 0xFF && data[1]&0xE0 == 0xE0)) {
		return ".mp3"
	}
	if len(data) > 4 && string(data[:4]) == "FORM" {
		return ".aiff"
	}
	return ".mp3"
}
