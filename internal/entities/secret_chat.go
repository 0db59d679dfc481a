package entities

import (
	"bytes"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
)

// SecretChatState is the lifecycle state of a secret chat.
type SecretChatState uint8

const (
	SecretChatPending SecretChatState = iota
	SecretChatActive
	SecretChatClosed
)

func (s SecretChatState) String() string {
	switch s {
	case SecretChatActive:
		return "active"
	case SecretChatClosed:
		return "closed"
	default:
		return "pending"
	}
}

// SecretChat is an end-to-end encrypted chat with one user.
type SecretChat struct {
	ID             ids.SecretChatID `json:"id"`
	AccessHash     int64            `json:"access_hash,omitempty"`
	UserID         ids.UserID       `json:"user_id"`
	State          SecretChatState  `json:"state"`
	IsOutbound     bool             `json:"is_outbound,omitempty"`
	TTL            int32            `json:"ttl,omitempty"`
	Date           int32            `json:"date,omitempty"`
	KeyFingerprint []byte           `json:"key_fingerprint,omitempty"`
	Layer          int32            `json:"layer,omitempty"`

	Record `json:"-"`
}

// NewSecretChat creates an empty secret chat stub.
func NewSecretChat(id ids.SecretChatID) *SecretChat {
	return &SecretChat{ID: id, Record: newRecord()}
}

// Key returns the entity key.
func (s *SecretChat) Key() ids.Key {
	return s.ID.Key()
}

// Snapshot returns a deep copy without bookkeeping.
func (s *SecretChat) Snapshot() SecretChat {
	snapshot := *s
	snapshot.Record = Record{}
	snapshot.KeyFingerprint = bytes.Clone(s.KeyFingerprint)
	return snapshot
}

// EventSnapshot returns the snapshot published to subscribers.
func (s *SecretChat) EventSnapshot() any {
	return s.Snapshot()
}

// ApplyPeer records the peer user, the access hash and the direction of the chat.
func (s *SecretChat) ApplyPeer(userID ids.UserID, accessHash int64, isOutbound bool) bool {
	if s.UserID == userID && s.AccessHash == accessHash && s.IsOutbound == isOutbound {
		return false
	}
	peerChanged := s.UserID != userID || s.IsOutbound != isOutbound
	s.UserID = userID
	s.AccessHash = accessHash
	s.IsOutbound = isOutbound
	if peerChanged {
		s.MarkChanged(ChangeFlags)
	} else {
		s.MarkSaveOnly()
	}
	return true
}

// ApplyState updates the lifecycle state; a closed chat never reopens.
func (s *SecretChat) ApplyState(state SecretChatState) bool {
	if s.State == state || s.State == SecretChatClosed {
		return false
	}
	s.State = state
	s.MarkChanged(ChangeState)
	return true
}

// ApplyTTL updates the message self-destruct timer.
func (s *SecretChat) ApplyTTL(ttl int32) bool {
	if s.TTL == ttl {
		return false
	}
	s.TTL = ttl
	s.MarkChanged(ChangeFlags)
	return true
}

// ApplyDate updates the creation date.
func (s *SecretChat) ApplyDate(date int32) bool {
	if s.Date == date {
		return false
	}
	s.Date = date
	s.MarkSaveOnly()
	return true
}

// ApplyKeyFingerprint updates the visual key fingerprint.
func (s *SecretChat) ApplyKeyFingerprint(fingerprint []byte) bool {
	if bytes.Equal(s.KeyFingerprint, fingerprint) {
		return false
	}
	s.KeyFingerprint = bytes.Clone(fingerprint)
	s.MarkChanged(ChangeFlags)
	return true
}

// ApplyLayer updates the negotiated protocol layer; the layer never decreases.
func (s *SecretChat) ApplyLayer(layer int32) bool {
	if layer <= s.Layer {
		return false
	}
	s.Layer = layer
	s.MarkChanged(ChangeFlags)
	return true
}

// Apply merges an authoritative payload and reports whether anything changed. A payload without a
// peer only carries the state.
func (s *SecretChat) Apply(payload *SecretChat) bool {
	if !payload.UserID.IsValid() {
		return s.ApplyState(payload.State)
	}
	changed := s.ApplyPeer(payload.UserID, payload.AccessHash, payload.IsOutbound)
	changed = s.ApplyState(payload.State) || changed
	changed = s.ApplyTTL(payload.TTL) || changed
	changed = s.ApplyDate(payload.Date) || changed
	changed = s.ApplyKeyFingerprint(payload.KeyFingerprint) || changed
	changed = s.ApplyLayer(payload.Layer) || changed
	return changed
}
