package session

import (
	"sort"
	"sync"

	"manuscript-collab/internal/protocol"
)

// mirror is the session's read-only copy of remote peer state: who else is
// on the document and which sections they hold locked. The relay's presence
// registry is authoritative; the mirror is rebuilt from scratch on every
// collaborators_list snapshot.
type mirror struct {
	mu    sync.Mutex
	peers map[string]*peerState // keyed by user ID
}

type peerState struct {
	username string
	locked   map[string]struct{}
}

func newMirror() *mirror {
	return &mirror{peers: make(map[string]*peerState)}
}

// reset rebuilds the mirror from a snapshot, dropping the session's own
// entry so the mirror only ever describes remote peers.
func (m *mirror) reset(collaborators []protocol.Collaborator, selfID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers = make(map[string]*peerState, len(collaborators))
	for _, c := range collaborators {
		if c.UserID == selfID {
			continue
		}
		locked := make(map[string]struct{}, len(c.LockedSections))
		for _, s := range c.LockedSections {
			locked[s] = struct{}{}
		}
		m.peers[c.UserID] = &peerState{username: c.Username, locked: locked}
	}
}

func (m *mirror) add(userID, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peers[userID]; !ok {
		m.peers[userID] = &peerState{username: username, locked: make(map[string]struct{})}
	}
}

func (m *mirror) remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, userID)
}

func (m *mirror) lock(userID, username, section string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.peers[userID]
	if !ok {
		peer = &peerState{username: username, locked: make(map[string]struct{})}
		m.peers[userID] = peer
	}
	peer.locked[section] = struct{}{}
}

func (m *mirror) unlock(userID, section string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if peer, ok := m.peers[userID]; ok {
		delete(peer.locked, section)
	}
}

// snapshot returns the mirrored peers ordered by user ID.
func (m *mirror) snapshot() []protocol.Collaborator {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]protocol.Collaborator, 0, len(m.peers))
	for id, peer := range m.peers {
		sections := make([]string, 0, len(peer.locked))
		for s := range peer.locked {
			sections = append(sections, s)
		}
		sort.Strings(sections)
		out = append(out, protocol.Collaborator{
			UserID:         id,
			Username:       peer.username,
			LockedSections: sections,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// lockHolder returns the peer holding a section lock, if any.
func (m *mirror) lockHolder(section string) (userID, username string, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, peer := range m.peers {
		if _, ok := peer.locked[section]; ok {
			return id, peer.username, true
		}
	}
	return "", "", false
}

// locks returns every remotely held lock, ordered by section.
func (m *mirror) locks() []LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []LockInfo
	for id, peer := range m.peers {
		for s := range peer.locked {
			out = append(out, LockInfo{Section: s, UserID: id, Username: peer.username})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Section < out[j].Section })
	return out
}
