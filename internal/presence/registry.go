package presence

import (
	"sort"
	"sync"

	"manuscript-collab/internal/protocol"
)

// Registry is the authoritative per-document presence and lock table.
// It tracks which users are connected to each document and which sections
// each user holds locked. All mutations are atomic; callers never see the
// underlying maps.
type Registry struct {
	mu   sync.Mutex
	docs map[string]*docState
}

type docState struct {
	users   map[string]*userState // keyed by user ID
	holders map[string]string     // section -> holding user ID
}

type userState struct {
	username string
	conns    int
	locked   map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		docs: make(map[string]*docState),
	}
}

// Join records a connection for the user on the given document. It returns
// true when this is the user's first connection to the document, i.e. when
// a user_joined delta should be broadcast. Multiple tabs by the same user
// collapse into one presence entry.
func (r *Registry) Join(documentID, userID, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok {
		doc = &docState{
			users:   make(map[string]*userState),
			holders: make(map[string]string),
		}
		r.docs[documentID] = doc
	}

	user, ok := doc.users[userID]
	if !ok {
		doc.users[userID] = &userState{
			username: username,
			conns:    1,
			locked:   make(map[string]struct{}),
		}
		return true
	}

	user.conns++
	user.username = username
	return false
}

// Leave records the end of one connection. When the user's last connection
// to the document goes away it returns departed=true along with the sections
// whose locks were implicitly released; the caller must broadcast one unlock
// per released section so peer mirrors do not keep ghost locks.
func (r *Registry) Leave(documentID, userID string) (departed bool, released []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok {
		return false, nil
	}
	user, ok := doc.users[userID]
	if !ok {
		return false, nil
	}

	user.conns--
	if user.conns > 0 {
		return false, nil
	}

	for section := range user.locked {
		delete(doc.holders, section)
		released = append(released, section)
	}
	sort.Strings(released)

	delete(doc.users, userID)
	if len(doc.users) == 0 {
		delete(r.docs, documentID)
	}
	return true, released
}

// Snapshot returns the current collaborator set for a document, ordered by
// user ID for deterministic output. Used to answer collaborators_list.
func (r *Registry) Snapshot(documentID string) []protocol.Collaborator {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok {
		return nil
	}

	out := make([]protocol.Collaborator, 0, len(doc.users))
	for id, user := range doc.users {
		sections := make([]string, 0, len(user.locked))
		for s := range user.locked {
			sections = append(sections, s)
		}
		sort.Strings(sections)
		out = append(out, protocol.Collaborator{
			UserID:         id,
			Username:       user.username,
			LockedSections: sections,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Lock records userID as the holder of the section. It returns true when
// the lock is granted: the section was free, or the requester already holds
// it. A request against a section held by someone else is denied and leaves
// the existing holder undisturbed.
func (r *Registry) Lock(documentID, section, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok {
		return false
	}
	user, ok := doc.users[userID]
	if !ok {
		return false
	}

	holder, held := doc.holders[section]
	if held && holder != userID {
		return false
	}

	doc.holders[section] = userID
	user.locked[section] = struct{}{}
	return true
}

// Unlock releases the section if userID is the current holder. It returns
// false when the requester is not the holder, so a stale client cannot
// release someone else's lock.
func (r *Registry) Unlock(documentID, section, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok {
		return false
	}
	if doc.holders[section] != userID {
		return false
	}

	delete(doc.holders, section)
	if user, ok := doc.users[userID]; ok {
		delete(user.locked, section)
	}
	return true
}

// Holder returns the user currently holding the section's lock.
func (r *Registry) Holder(documentID, section string) (userID, username string, held bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok {
		return "", "", false
	}
	userID, held = doc.holders[section]
	if !held {
		return "", "", false
	}
	if user, ok := doc.users[userID]; ok {
		username = user.username
	}
	return userID, username, true
}

// UserCount returns the number of distinct users present on a document.
func (r *Registry) UserCount(documentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[documentID]
	if !ok {
		return 0
	}
	return len(doc.users)
}
