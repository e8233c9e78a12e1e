package peer

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/auravoice/aura/internal/logging"
)

const (
	captureRate = 16000 // rate the microphone delivers
	trackRate   = 8000  // G.711 rate on the wire
)

// sampleWriter is the slice of TrackLocalStaticSample the track writer needs.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// trackWriter adapts live capture frames to the outbound audio track. Frames
// arrive as 16kHz linear PCM and leave as 8kHz G.711 µ-law samples.
type trackWriter struct {
	mu     sync.Mutex
	track  sampleWriter
	active bool
}

func newTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: trackRate, Channels: 1},
		"audio", "aura-mic",
	)
}

func (w *trackWriter) attach(track sampleWriter) {
	w.mu.Lock()
	w.track = track
	w.active = true
	w.mu.Unlock()
}

func (w *trackWriter) detach() {
	w.mu.Lock()
	w.track = nil
	w.active = false
	w.mu.Unlock()
}

// WriteFrame satisfies the capture frame sink. Frames that arrive while the
// channel is not streaming are dropped silently; the recording buffer still
// has them for the fallback path.
func (w *trackWriter) WriteFrame(pcm []int16) {
	w.mu.Lock()
	track := w.track
	active := w.active
	w.mu.Unlock()
	if !active || track == nil {
		return
	}

	down := resample(pcm, captureRate, trackRate)
	payload := make([]byte, len(down))
	for i, s := range down {
		payload[i] = muLawEncode(s)
	}
	duration := time.Duration(len(down)) * time.Second / trackRate
	if err := track.WriteSample(media.Sample{Data: payload, Duration: duration}); err != nil {
		logging.Warnf("[peer] track write failed: %v", err)
	}
}

// resample converts PCM between rates with linear interpolation. Good enough
// for speech; the backend transcriber is tolerant of interpolation artifacts.
func resample(pcm []int16, from, to int) []int16 {
	if from == to || len(pcm) == 0 {
		return pcm
	}
	outLen := len(pcm) * to / from
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)
	ratio := float64(len(pcm)-1) / float64(outLen)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(pcm)-1 {
			out[i] = pcm[len(pcm)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(pcm[j])*(1-frac) + float64(pcm[j+1])*frac)
	}
	return out
}

// muLawEncode compresses one linear PCM sample to G.711 µ-law (ITU-T G.711).
// The magnitude math runs in int32 because negating math.MinInt16 does not
// fit in an int16.
func muLawEncode(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
