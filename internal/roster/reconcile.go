// Package roster turns roster changes into connect and disconnect intents.
package roster

import "github.com/isqad/livelook-mesh/internal/core"

// Intents are the session changes implied by a roster update.
type Intents struct {
	ToConnect    []core.PeerID
	ToDisconnect []core.PeerID
}

func (i Intents) Empty() bool {
	return len(i.ToConnect) == 0 && len(i.ToDisconnect) == 0
}

// Reconcile compares two consecutive rosters. ToConnect holds ids that are
// new in current and have no session yet, ToDisconnect holds ids with a
// session that are no longer in current. self never appears in either list
// and both lists are sorted with core.PeerID.Less.
func Reconcile(previous, current core.Roster, self core.PeerID, connected []core.PeerID) Intents {
	isConnected := make(map[core.PeerID]struct{}, len(connected))
	for _, id := range connected {
		isConnected[id] = struct{}{}
	}

	intents := Intents{}

	for id := range current.Participants {
		if id == self || previous.Has(id) {
			continue
		}
		if _, ok := isConnected[id]; ok {
			continue
		}
		intents.ToConnect = append(intents.ToConnect, id)
	}

	for id := range isConnected {
		if id == self || current.Has(id) {
			continue
		}
		intents.ToDisconnect = append(intents.ToDisconnect, id)
	}

	core.SortPeerIDs(intents.ToConnect)
	core.SortPeerIDs(intents.ToDisconnect)

	return intents
}
