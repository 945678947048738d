package memory

import (
	"sync"

	"github.com/adwski/signaling-relay/backend/model"
)

// members keeps room membership unique and in join order.
type members struct {
	order []string
	set   map[string]struct{}
}

// MemStore holds the peer registry and the room index.
// All state lives in process memory and is lost on restart.
type MemStore struct {
	mx    *sync.RWMutex
	peers map[string]model.Peer
	rooms map[string]*members
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:    &sync.RWMutex{},
		peers: make(map[string]model.Peer),
		rooms: make(map[string]*members),
	}
}

// UpsertPeer inserts or overwrites peer metadata.
func (ms *MemStore) UpsertPeer(peer model.Peer) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.peers[peer.ID] = peer
}

// RemovePeer removes peer metadata and returns what was stored.
func (ms *MemStore) RemovePeer(id string) (model.Peer, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	peer, ok := ms.peers[id]
	if ok {
		delete(ms.peers, id)
	}
	return peer, ok
}

func (ms *MemStore) GetPeer(id string) (model.Peer, bool) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	peer, ok := ms.peers[id]
	return peer, ok
}

// AddMember adds id to the room, creating the room on first join.
// Adding an existing member is a no-op.
func (ms *MemStore) AddMember(room, id string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	m, ok := ms.rooms[room]
	if !ok {
		m = &members{set: make(map[string]struct{})}
		ms.rooms[room] = m
	}
	if _, ok = m.set[id]; ok {
		return
	}
	m.set[id] = struct{}{}
	m.order = append(m.order, id)
}

// RemoveMember removes id from the room. Rooms left empty are dropped.
func (ms *MemStore) RemoveMember(room, id string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	m, ok := ms.rooms[room]
	if !ok {
		return
	}
	if _, ok = m.set[id]; !ok {
		return
	}
	delete(m.set, id)
	for i, member := range m.order {
		if member == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if len(m.order) == 0 {
		delete(ms.rooms, room)
	}
}

// Members returns a copy of the room's member ids in join order.
// It is the raw room index view; PeerList resolves the same ids to names.
// Unknown rooms have no members.
func (ms *MemStore) Members(room string) []string {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	return ms.membersLocked(room)
}

func (ms *MemStore) membersLocked(room string) []string {
	m, ok := ms.rooms[room]
	if !ok {
		return nil
	}
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// PeerList resolves the room's members to presence entries in one
// consistent read. Members without metadata fall back to their id.
func (ms *MemStore) PeerList(room string) []model.PeerInfo {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	ids := ms.membersLocked(room)
	list := make([]model.PeerInfo, 0, len(ids))
	for _, id := range ids {
		name := id
		if peer, ok := ms.peers[id]; ok && peer.Name != "" {
			name = peer.Name
		}
		list = append(list, model.PeerInfo{ID: id, Name: name})
	}
	return list
}

// IsMember reports whether id is in the room.
func (ms *MemStore) IsMember(room, id string) bool {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	m, ok := ms.rooms[room]
	if !ok {
		return false
	}
	_, ok = m.set[id]
	return ok
}

func (ms *MemStore) RoomCount() int {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	return len(ms.rooms)
}
