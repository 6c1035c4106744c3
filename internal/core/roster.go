package core

import "sort"

// Roster is the full participant list of a meeting as announced by the relay.
type Roster struct {
	Participants map[PeerID]string `json:"participants"`
	CreatorID    PeerID            `json:"creator_id,omitempty"`
}

func NewRoster(participants map[PeerID]string, creatorID PeerID) Roster {
	r := Roster{
		Participants: make(map[PeerID]string, len(participants)),
		CreatorID:    creatorID,
	}
	for id, nickname := range participants {
		r.Participants[id] = nickname
	}

	return r
}

func (r Roster) Has(id PeerID) bool {
	_, ok := r.Participants[id]
	return ok
}

func (r Roster) Len() int {
	return len(r.Participants)
}

// IDs returns participant ids sorted with PeerID.Less.
func (r Roster) IDs() []PeerID {
	ids := make([]PeerID, 0, len(r.Participants))
	for id := range r.Participants {
		ids = append(ids, id)
	}
	SortPeerIDs(ids)

	return ids
}

// Clone returns a deep copy, the zero Roster stays empty.
func (r Roster) Clone() Roster {
	return NewRoster(r.Participants, r.CreatorID)
}

func SortPeerIDs(ids []PeerID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Less(ids[j])
	})
}
