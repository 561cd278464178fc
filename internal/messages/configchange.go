package messages

import (
	"encoding/json"

	"github.com/cordata/raftd/internal/raft"
)

// wireConfigChange is the JSON encoding of a raft.ConfigChange, used both
// on the wire (inside AppendEntries entries) and for at-rest storage in the
// log store.
type wireConfigChange struct {
	Kind     raft.ConfigChangeKind `json:"kind"`
	ServerId raft.ServerId         `json:"server_id"`
}

// EncodeConfigChange serializes a ConfigChange for storage or transport.
func EncodeConfigChange(cc raft.ConfigChange) ([]byte, error) {
	return json.Marshal(wireConfigChange{Kind: cc.Kind, ServerId: cc.ServerId})
}

// DecodeConfigChange is the inverse of EncodeConfigChange.
func DecodeConfigChange(data []byte) (raft.ConfigChange, error) {
	var w wireConfigChange
	if err := json.Unmarshal(data, &w); err != nil {
		return raft.ConfigChange{}, err
	}
	return raft.ConfigChange{Kind: w.Kind, ServerId: w.ServerId}, nil
}
