package service

import "github.com/adwski/signaling-relay/backend/model"

// broadcastPeerList sends the room's current roster to everyone in it.
// Must be called with svc.mx held.
func (svc *Service) broadcastPeerList(room string) {
	peers := svc.store.PeerList(room)
	svc.sw.Broadcast(model.PeerListEvent(peers), room, "")
}
