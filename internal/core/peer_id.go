package core

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"
)

// PeerID identifies a client connected to the relay. The relay may send ids
// as JSON numbers or strings, both decode into a PeerID.
type PeerID string

func (id PeerID) String() string {
	return string(id)
}

// IsZero reports whether the id has not been assigned.
func (id PeerID) IsZero() bool {
	return id == ""
}

// Less orders ids numerically when both are decimal integers and
// lexicographically otherwise.
func (id PeerID) Less(other PeerID) bool {
	a, aok := id.integer()
	b, bok := other.integer()
	if aok && bok {
		return a.Cmp(b) < 0
	}

	return strings.Compare(string(id), string(other)) < 0
}

func (id PeerID) integer() (*big.Int, bool) {
	if id == "" {
		return nil, false
	}
	for i, r := range id {
		if r == '-' && i == 0 && len(id) > 1 {
			continue
		}
		if r < '0' || r > '9' {
			return nil, false
		}
	}

	return new(big.Int).SetString(string(id), 10)
}

// MarshalJSON writes integer ids as JSON numbers so the relay can match them
// against its own numeric keys.
func (id PeerID) MarshalJSON() ([]byte, error) {
	if n, ok := id.integer(); ok && n.String() == string(id) {
		return []byte(id), nil
	}

	return json.Marshal(string(id))
}

func (id *PeerID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = PeerID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = PeerID(n.String())

	return nil
}
