package status

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-mesh/internal/conference"
	"github.com/isqad/livelook-mesh/internal/core"
	"github.com/isqad/livelook-mesh/internal/peer"
	"github.com/isqad/livelook-mesh/internal/sink"
)

type fakeSource struct {
	lock     sync.Mutex
	snapshot conference.Snapshot
	streams  []sink.RemoteStream
	updates  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		snapshot: conference.Snapshot{
			ClientID:  "1",
			MeetingID: "standup",
			Sessions:  map[core.PeerID]peer.State{"2": peer.Connected},
		},
		streams: []sink.RemoteStream{{Peer: "2", Tracks: []sink.TrackInfo{{ID: "video-2", Kind: "video"}}}},
		updates: make(chan struct{}, 1),
	}
}

func (s *fakeSource) Snapshot() conference.Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.snapshot
}

func (s *fakeSource) Streams() []sink.RemoteStream {
	return s.streams
}

func (s *fakeSource) Subscribe() (<-chan struct{}, func()) {
	return s.updates, func() {}
}

func (s *fakeSource) setMeeting(meetingID string) {
	s.lock.Lock()
	s.snapshot.MeetingID = meetingID
	s.lock.Unlock()

	s.updates <- struct{}{}
}

func TestStateEndpoint(t *testing.T) {
	srv := httptest.NewServer(New("", newFakeSource()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "standup", body["meeting_id"])
	assert.Equal(t, map[string]interface{}{"2": "connected"}, body["sessions"])
}

func TestStreamsEndpoint(t *testing.T) {
	srv := httptest.NewServer(New("", newFakeSource()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/streams")
	require.NoError(t, err)
	defer resp.Body.Close()

	var streams []sink.RemoteStream
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&streams))
	require.Len(t, streams, 1)
	assert.Equal(t, core.PeerID("2"), streams[0].Peer)
	assert.Equal(t, "video-2", streams[0].Tracks[0].ID)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := httptest.NewServer(New("", newFakeSource()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "livelook_mesh_peer_sessions")
}

func TestEventsPushesState(t *testing.T) {
	source := newFakeSource()
	server := New("", source)
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.pushUpdates(ctx)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var snapshot struct {
		MeetingID string `json:"meeting_id"`
	}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "standup", snapshot.MeetingID)

	source.setMeeting("retro")

	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "retro", snapshot.MeetingID)
}

func TestRunShutsDown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- New(address, newFakeSource()).Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + address + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
