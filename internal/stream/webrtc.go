package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/loophost/internal/audio"
)

// opusFormat is what the Opus encoder is fed regardless of the sink format.
var opusFormat = audio.DefaultFormat

// WebRTCHandler serves WebRTC SDP negotiation for low-latency Opus monitoring.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	logger      *slog.Logger

	mu    sync.Mutex
	peers []*webrtc.PeerConnection
}

// NewWebRTCHandler creates a WebRTC stream handler.
func NewWebRTCHandler(b *Broadcaster, logger *slog.Logger) *WebRTCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebRTCHandler{
		broadcaster: b,
		logger:      logger.With("component", "webrtc"),
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	framer, err := newOpusFramer(h.broadcaster.Format())
	if err != nil {
		h.logger.Error("unsupported sink format", "error", err)
		http.Error(w, "unsupported sink format", http.StatusInternalServerError)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"loophost-monitor",
	)
	if err != nil {
		pc.Close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}

	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(pc)

	h.mu.Lock()
	h.peers = append(h.peers, pc)
	h.mu.Unlock()

	h.logger.Info("peer connected", "peers", h.PeerCount())

	listener := h.broadcaster.Subscribe()
	go h.streamToPeer(listener, framer, audioTrack)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			if h.removePeer(pc) {
				h.broadcaster.Unsubscribe(listener)
				pc.Close()
				h.logger.Info("peer disconnected", "peers", h.PeerCount())
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(pc.LocalDescription()); err != nil {
		h.logger.Warn("failed to write answer", "error", err)
	}
}

func (h *WebRTCHandler) streamToPeer(listener *Listener, framer *opusFramer, track *webrtc.TrackLocalStaticSample) {
	enc, err := opus.NewEncoder(opusFormat.SampleRate, opusFormat.Channels, opus.AppAudio)
	if err != nil {
		h.logger.Error("opus encoder init failed", "error", err)
		return
	}
	if err := enc.SetBitrate(128000); err != nil {
		h.logger.Warn("opus bitrate rejected", "error", err)
	}

	opusBuf := make([]byte, 4000)
	for {
		select {
		case <-listener.Done():
			return
		case frame, ok := <-listener.C:
			if !ok {
				return
			}
			for _, packet := range framer.push(frame) {
				n, err := enc.Encode(packet, opusBuf)
				if err != nil {
					h.logger.Warn("opus encode failed", "error", err)
					continue
				}
				if err := track.WriteSample(media.Sample{
					Data:     opusBuf[:n],
					Duration: audio.FrameDuration,
				}); err != nil {
					return
				}
			}
		}
	}
}

func (h *WebRTCHandler) removePeer(pc *webrtc.PeerConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == pc {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return true
		}
	}
	return false
}

// opusFramer converts sink frames to opusFormat and cuts them into 20ms
// packets, the frame size the Opus encoder is driven with.
type opusFramer struct {
	conv    *audio.Converter
	pending []int16
}

func newOpusFramer(from audio.Format) (*opusFramer, error) {
	conv, err := audio.NewConverter(from, opusFormat)
	if err != nil {
		return nil, err
	}
	return &opusFramer{conv: conv}, nil
}

func (f *opusFramer) push(frame []int16) [][]int16 {
	samples := frame
	if !f.conv.Passthrough() {
		samples = f.conv.Convert(audio.FromInt16(f.conv.From(), frame)).Int16()
	}
	f.pending = append(f.pending, samples...)

	var packets [][]int16
	for len(f.pending) >= audio.FrameSamples {
		packet := make([]int16, audio.FrameSamples)
		copy(packet, f.pending)
		f.pending = append(f.pending[:0], f.pending[audio.FrameSamples:]...)
		packets = append(packets, packet)
	}
	return packets
}
