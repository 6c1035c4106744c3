package signal_test

import "github.com/pion/webrtc/v3"

func webrtcCandidate(c string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c}
}
