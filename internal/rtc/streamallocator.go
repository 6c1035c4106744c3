package rtc

import (
	"sync"

	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/telemetry"
)

// StreamAllocator follows the send side bandwidth estimate of one peer
// connection.
type StreamAllocator struct {
	peer core.PeerID

	lock sync.Mutex
	bwe  cc.BandwidthEstimator
}

func NewStreamAllocator(peer core.PeerID) *StreamAllocator {
	return &StreamAllocator{peer: peer}
}

// newEstimatorFactory returns a congestion control interceptor that hands
// its estimator to allocator once the peer connection is built.
func newEstimatorFactory(allocator *StreamAllocator, initialBitrate int) (*cc.InterceptorFactory, error) {
	factory, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
		return gcc.NewSendSideBWE(gcc.SendSideBWEInitialBitrate(initialBitrate))
	})
	if err != nil {
		return nil, err
	}

	factory.OnNewPeerConnection(func(_ string, estimator cc.BandwidthEstimator) {
		allocator.SetBandwidthEstimator(estimator)
	})

	return factory, nil
}

func (s *StreamAllocator) SetBandwidthEstimator(bwe cc.BandwidthEstimator) {
	if bwe != nil {
		bwe.OnTargetBitrateChange(s.onTargetBitrateChange)
		telemetry.TargetBitrateChanged(string(s.peer), bwe.GetTargetBitrate())
	}

	s.lock.Lock()
	s.bwe = bwe
	s.lock.Unlock()
}

// TargetBitrate is zero until an estimator is attached.
func (s *StreamAllocator) TargetBitrate() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.bwe == nil {
		return 0
	}

	return s.bwe.GetTargetBitrate()
}

func (s *StreamAllocator) Close() {
	s.lock.Lock()
	s.bwe = nil
	s.lock.Unlock()

	telemetry.TargetBitrateCleared(string(s.peer))
}

func (s *StreamAllocator) onTargetBitrateChange(bitrate int) {
	log.Debug().Str("service", "rtc").Str("peer", string(s.peer)).Int("bitrate", bitrate).Msg("target bitrate changed")
	telemetry.TargetBitrateChanged(string(s.peer), bitrate)
}
