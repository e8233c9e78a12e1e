package fallback

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auravoice/aura/internal/capture"
	"github.com/auravoice/aura/internal/link"
	"github.com/auravoice/aura/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// testBackend records every message the transport uploads.
func testBackend(t *testing.T) (*link.Link, chan protocol.Message) {
	t.Helper()
	received := make(chan protocol.Message, 32)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := protocol.Decode(raw); err == nil {
				received <- msg
			}
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	l := link.New(link.Options{URL: link.WSURL(server.URL, "/ws")})
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, received
}

func recordingOf(t *testing.T, size int) capture.Result {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "rec.wav")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write recording: %v", err)
	}
	return capture.Result{Path: path, SizeBytes: int64(size)}
}

func nextMessage(t *testing.T, ch chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("backend never received the expected message")
		return nil
	}
}

func TestSendSingleMessage(t *testing.T) {
	l, received := testBackend(t)
	tr := New(l, Options{MaxMessageBytes: 1024, ChunkDelay: time.Millisecond})

	res := recordingOf(t, 100)
	if err := tr.Send(context.Background(), res); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	m := nextMessage(t, received)
	audio, ok := m.(*protocol.Audio)
	if !ok {
		t.Fatalf("expected audio message, got %s", m.Kind())
	}
	if audio.FileFormat != "wav" {
		t.Errorf("expected wav format, got %q", audio.FileFormat)
	}
	data, err := base64.StdEncoding.DecodeString(audio.AudioData)
	if err != nil {
		t.Fatalf("payload not valid base64: %v", err)
	}
	if len(data) != 100 {
		t.Errorf("expected 100 payload bytes, got %d", len(data))
	}

	if _, err := os.Stat(res.Path); !os.IsNotExist(err) {
		t.Error("recording file should be released after send")
	}
}

func TestSendChunked(t *testing.T) {
	l, received := testBackend(t)
	tr := New(l, Options{MaxMessageBytes: 512, ChunkDelay: time.Millisecond})

	// 1200 bytes at a 512 limit is 3 chunks
	res := recordingOf(t, 1200)
	if err := tr.Send(context.Background(), res); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	info, ok := nextMessage(t, received).(*protocol.AudioChunkInfo)
	if !ok {
		t.Fatal("expected audio_chunk_info first")
	}
	if info.TotalChunks != 3 {
		t.Errorf("expected 3 chunks, got %d", info.TotalChunks)
	}
	if info.TotalSize != 1200 {
		t.Errorf("expected total size 1200, got %d", info.TotalSize)
	}

	var reassembled []byte
	for i := 0; i < info.TotalChunks; i++ {
		chunk, ok := nextMessage(t, received).(*protocol.AudioChunk)
		if !ok {
			t.Fatalf("expected audio_chunk %d", i)
		}
		if chunk.ChunkIndex != i {
			t.Errorf("chunk %d arrived with index %d", i, chunk.ChunkIndex)
		}
		if last := i == info.TotalChunks-1; chunk.IsLast != last {
			t.Errorf("chunk %d: is_last=%v, expected %v", i, chunk.IsLast, last)
		}
		data, err := base64.StdEncoding.DecodeString(chunk.ChunkData)
		if err != nil {
			t.Fatalf("chunk %d not valid base64: %v", i, err)
		}
		reassembled = append(reassembled, data...)
	}
	if len(reassembled) != 1200 {
		t.Errorf("reassembled %d bytes, expected 1200", len(reassembled))
	}
	for i, b := range reassembled {
		if b != byte(i) {
			t.Fatalf("reassembled byte %d corrupted", i)
		}
	}
}

func TestSendLinkDown(t *testing.T) {
	l := link.New(link.Options{URL: "ws://127.0.0.1:1/ws"})
	tr := New(l, Options{})

	res := recordingOf(t, 100)
	err := tr.Send(context.Background(), res)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestSendMissingFile(t *testing.T) {
	l, _ := testBackend(t)
	tr := New(l, Options{})

	err := tr.Send(context.Background(), capture.Result{Path: "/nonexistent/rec.wav"})
	if err == nil {
		t.Fatal("expected an error for a missing recording file")
	}
}

func TestFileFormat(t *testing.T) {
	if got := fileFormat("/tmp/a.wav"); got != "wav" {
		t.Errorf("expected wav, got %s", got)
	}
	if got := fileFormat("/tmp/noext"); got != "wav" {
		t.Errorf("expected wav default, got %s", got)
	}
}
