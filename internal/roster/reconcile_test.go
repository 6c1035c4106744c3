package roster

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/isqad/livelook-mesh/internal/core"
)

func rosterOf(ids ...core.PeerID) core.Roster {
	participants := make(map[core.PeerID]string, len(ids))
	for _, id := range ids {
		participants[id] = "User" + string(id)
	}

	return core.NewRoster(participants, "")
}

func TestReconcile(t *testing.T) {
	cases := []struct {
		name         string
		previous     core.Roster
		current      core.Roster
		self         core.PeerID
		connected    []core.PeerID
		toConnect    []core.PeerID
		toDisconnect []core.PeerID
	}{
		{
			name:      "given a new participant when reconcile then connect to it",
			previous:  rosterOf("1"),
			current:   rosterOf("1", "2"),
			self:      "1",
			toConnect: []core.PeerID{"2"},
		},
		{
			name:         "given a departed participant when reconcile then disconnect it",
			previous:     rosterOf("1", "2"),
			current:      rosterOf("1"),
			self:         "1",
			connected:    []core.PeerID{"2"},
			toDisconnect: []core.PeerID{"2"},
		},
		{
			name:      "given a join into an existing meeting when reconcile then connect to everybody else",
			previous:  core.Roster{},
			current:   rosterOf("1", "2", "10"),
			self:      "2",
			toConnect: []core.PeerID{"1", "10"},
		},
		{
			name:      "given a participant already connected when reconcile then skip it",
			previous:  rosterOf("1"),
			current:   rosterOf("1", "2", "3"),
			self:      "1",
			connected: []core.PeerID{"2"},
			toConnect: []core.PeerID{"3"},
		},
		{
			name:         "given a session for a peer that was never listed when reconcile then disconnect it",
			previous:     rosterOf("1"),
			current:      rosterOf("1"),
			self:         "1",
			connected:    []core.PeerID{"9"},
			toDisconnect: []core.PeerID{"9"},
		},
		{
			name:     "given an unchanged roster when reconcile then nothing to do",
			previous: rosterOf("1", "2"),
			current:  rosterOf("1", "2"),
			self:     "1",
		},
		{
			name:     "given an empty current roster and no sessions when reconcile then nothing to do",
			previous: rosterOf("1", "2"),
			current:  core.Roster{},
			self:     "1",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			intents := Reconcile(c.previous, c.current, c.self, c.connected)

			assert.Equal(t, c.toConnect, intents.ToConnect)
			assert.Equal(t, c.toDisconnect, intents.ToDisconnect)
		})
	}
}

func TestReconcileIsDeterministic(t *testing.T) {
	previous := rosterOf("1", "2", "3")
	current := rosterOf("1", "3", "4", "5", "20")
	connected := []core.PeerID{"2", "3"}

	first := Reconcile(previous, current, "1", connected)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Reconcile(previous, current, "1", connected))
	}
	assert.Equal(t, []core.PeerID{"4", "5", "20"}, first.ToConnect)
	assert.Equal(t, []core.PeerID{"2"}, first.ToDisconnect)
}

func TestReconcileProperties(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))

	randomIDs := func() []core.PeerID {
		var ids []core.PeerID
		for i := 0; i < 8; i++ {
			if rnd.Intn(2) == 0 {
				ids = append(ids, core.PeerID(strconv.Itoa(i)))
			}
		}
		return ids
	}

	for i := 0; i < 500; i++ {
		previous := rosterOf(randomIDs()...)
		current := rosterOf(randomIDs()...)
		connected := randomIDs()
		self := core.PeerID(strconv.Itoa(rnd.Intn(8)))

		intents := Reconcile(previous, current, self, connected)

		disconnect := make(map[core.PeerID]bool)
		for _, id := range intents.ToDisconnect {
			disconnect[id] = true
			assert.NotEqual(t, self, id)
			assert.False(t, current.Has(id))
		}
		for _, id := range intents.ToConnect {
			assert.False(t, disconnect[id], "%s in both intents", id)
			assert.NotEqual(t, self, id)
			assert.True(t, current.Has(id))
			assert.False(t, previous.Has(id))
		}
	}
}
