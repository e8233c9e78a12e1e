// Package fallback uploads completed recordings over the transport link when
// peer streaming is not available. Small recordings go as one message; larger
// ones are split into ordered chunks the backend reassembles.
package fallback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/auravoice/aura/internal/capture"
	"github.com/auravoice/aura/internal/link"
	"github.com/auravoice/aura/internal/logging"
	"github.com/auravoice/aura/internal/protocol"
)

// ErrTransportUnavailable is returned when the link is down and does not come
// back within the pre-send connectivity window.
var ErrTransportUnavailable = errors.New("fallback: transport unavailable")

// connectWait bounds how long a send waits for the link to come back up
// before giving up on the turn.
const connectWait = time.Second

// Options configures the fallback transport.
type Options struct {
	MaxMessageBytes int           // recordings above this are chunked
	ChunkDelay      time.Duration // pacing between chunk writes
}

// Transport sends recordings over the link. It carries no per-turn state, so
// a failed upload is simply restarted from the beginning on the next turn.
type Transport struct {
	link *link.Link
	opts Options
}

// New creates a fallback transport on the given link. Upload acks are
// informational only (at-least-once contract, no flow control), so they are
// consumed here and logged.
func New(l *link.Link, opts Options) *Transport {
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 500 * 1024
	}
	if opts.ChunkDelay == 0 {
		opts.ChunkDelay = 50 * time.Millisecond
	}
	t := &Transport{link: l, opts: opts}
	l.On(protocol.KindAudioReceived, func(m protocol.Message) {
		ack := m.(*protocol.AudioReceived)
		logging.Debugf("[fallback] upload acknowledged: %s", ack.Status)
	})
	l.On(protocol.KindChunkReceived, func(m protocol.Message) {
		ack := m.(*protocol.ChunkReceived)
		logging.Debugf("[fallback] chunk %d/%d acknowledged (%.0f%%)",
			ack.ChunkIndex+1, ack.TotalChunks, ack.Progress)
	})
	l.On(protocol.KindChunksComplete, func(m protocol.Message) {
		ack := m.(*protocol.ChunksComplete)
		logging.Infof("[fallback] backend reassembled upload: %s", ack.Status)
	})
	return t
}

// Name identifies this transport in logs and turn records.
func (t *Transport) Name() string { return "fallback" }

// Send uploads the recording and releases its file. Recordings at or under
// the size limit go as a single audio message; larger ones are announced with
// chunk info and streamed as contiguous chunks, exactly the last one marked.
func (t *Transport) Send(ctx context.Context, res capture.Result) error {
	defer res.Release()

	if err := t.link.EnsureOpen(ctx, connectWait); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	data, err := os.ReadFile(res.Path)
	if err != nil {
		return fmt.Errorf("fallback: read recording: %w", err)
	}
	format := fileFormat(res.Path)

	if len(data) <= t.opts.MaxMessageBytes {
		logging.Infof("[fallback] sending %d bytes as a single message", len(data))
		return t.sendErr(t.link.Send(&protocol.Audio{
			AudioData:  base64.StdEncoding.EncodeToString(data),
			FileFormat: format,
		}))
	}
	return t.sendChunked(ctx, data, format)
}

// sendChunked streams the recording as ordered chunks. Any write failure
// aborts the whole upload; there is no partial resume.
func (t *Transport) sendChunked(ctx context.Context, data []byte, format string) error {
	size := t.opts.MaxMessageBytes
	total := (len(data) + size - 1) / size

	logging.Infof("[fallback] sending %d bytes as %d chunks", len(data), total)
	err := t.link.Send(&protocol.AudioChunkInfo{
		TotalChunks: total,
		FileFormat:  format,
		TotalSize:   int64(len(data)),
	})
	if err != nil {
		return t.sendErr(err)
	}

	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		err := t.link.Send(&protocol.AudioChunk{
			ChunkData:  base64.StdEncoding.EncodeToString(data[start:end]),
			ChunkIndex: i,
			IsLast:     i == total-1,
		})
		if err != nil {
			return t.sendErr(fmt.Errorf("chunk %d/%d: %w", i+1, total, err))
		}
		if i < total-1 {
			time.Sleep(t.opts.ChunkDelay)
		}
	}
	return nil
}

func (t *Transport) sendErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, link.ErrNotConnected) {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return err
}

func fileFormat(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "wav"
	}
	return ext
}
