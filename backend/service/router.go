package service

import (
	"github.com/adwski/signaling-relay/backend/metrics"
	"github.com/adwski/signaling-relay/backend/model"
)

// Handle routes a single inbound event from ev.SRC.
// Malformed events are logged and dropped, nothing is sent back.
func (svc *Service) Handle(ev model.Event) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	id, data := ev.SRC, ev.Data
	switch model.CanonicalEventName(ev.Name) {
	case model.EventJoin:
		svc.join(id, data)
	case model.EventLeave:
		svc.leave(id, data)
	case model.EventRename:
		svc.rename(id, data)
	case model.EventListPeers:
		svc.listPeers(id, data)
	case model.EventSignal:
		svc.signal(id, data)
	case model.EventOffer:
		svc.offer(id, data)
	case model.EventOfferResponse:
		svc.offerResponse(id, data)
	default:
		svc.metrics.Inc(metrics.EventsUnknown)
		svc.logger.Debug().
			Str("connID", id).
			Str("event", ev.Name).
			Msg("unknown event ignored")
		return
	}
	svc.metrics.Inc(metrics.EventsHandled)
}

// Disconnect removes the peer from the registry and from its room.
// Repeated calls are no-ops.
func (svc *Service) Disconnect(id string) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	peer, ok := svc.store.RemovePeer(id)
	if !ok || peer.Room == "" {
		return
	}
	svc.sw.LeaveGroup(id, peer.Room)
	svc.store.RemoveMember(peer.Room, id)

	svc.sw.Broadcast(model.PeerLeftEvent(id), peer.Room, "")
	svc.broadcastPeerList(peer.Room)
}

func (svc *Service) malformed(id, event, reason string) {
	svc.metrics.Inc(metrics.EventsMalformed)
	svc.logger.Warn().
		Str("connID", id).
		Str("event", event).
		Msg(reason)
}

func (svc *Service) join(id string, data model.Document) {
	room, ok := data.StringValue("room")
	if !ok {
		svc.malformed(id, model.EventJoin, "join request missing room")
		return
	}
	name, ok := data.Text("name")
	if !ok {
		name = id
	}

	// a peer is in at most one room
	if prev, ok := svc.store.GetPeer(id); ok && prev.Room != "" && prev.Room != room {
		svc.leaveRoom(id, prev.Room)
	}

	svc.sw.JoinGroup(id, room)
	svc.store.AddMember(room, id)
	svc.store.UpsertPeer(model.Peer{ID: id, Name: name, Room: room})

	svc.logger.Info().
		Str("connID", id).
		Str("room", room).
		Msg("peer joined room")

	svc.sw.Broadcast(model.PeerJoinedEvent(id), room, id)
	svc.broadcastPeerList(room)
}

func (svc *Service) leave(id string, data model.Document) {
	room, ok := data.StringValue("room")
	if !ok {
		svc.malformed(id, model.EventLeave, "leave request missing room")
		return
	}
	svc.leaveRoom(id, room)
}

func (svc *Service) leaveRoom(id, room string) {
	svc.sw.LeaveGroup(id, room)
	svc.store.RemoveMember(room, id)
	if peer, ok := svc.store.GetPeer(id); ok && peer.Room == room {
		peer.Room = ""
		svc.store.UpsertPeer(peer)
	}

	svc.logger.Info().
		Str("connID", id).
		Str("room", room).
		Msg("peer left room")

	svc.sw.Broadcast(model.PeerLeftEvent(id), room, "")
	svc.broadcastPeerList(room)
}

func (svc *Service) rename(id string, data model.Document) {
	name, ok := data.Text("name")
	if !ok {
		svc.malformed(id, model.EventRename, "rename request missing name")
		return
	}
	peer, ok := svc.store.GetPeer(id)
	if !ok {
		svc.logger.Debug().Str("connID", id).Msg("rename from unregistered peer ignored")
		return
	}
	peer.Name = name
	svc.store.UpsertPeer(peer)
	if peer.Room != "" {
		svc.broadcastPeerList(peer.Room)
	}
}

func (svc *Service) listPeers(id string, data model.Document) {
	room, ok := data.StringValue("room")
	if !ok {
		svc.malformed(id, model.EventListPeers, "list request missing room")
		return
	}
	svc.broadcastPeerList(room)
}

func (svc *Service) signal(id string, data model.Document) {
	room, ok := data.StringValue("room")
	if !ok {
		svc.malformed(id, model.EventSignal, "signal request missing room")
		return
	}
	svc.sw.Broadcast(model.SignalEvent(id, data.Get("payload")), room, id)
}

func (svc *Service) offer(id string, data model.Document) {
	room, okRoom := data.StringValue("room")
	target, okTarget := data.StringValue("target")
	if !okRoom || !okTarget || !data.Has("payload") {
		svc.malformed(id, model.EventOffer, "offer missing fields")
		return
	}
	if !svc.sharesRoom(id, target, room) {
		svc.malformed(id, model.EventOffer, "offer target is outside sender room")
		return
	}
	svc.sw.Send(model.OfferEvent(id, svc.displayName(id), data.Get("payload")), target)
}

func (svc *Service) offerResponse(id string, data model.Document) {
	room, okRoom := data.StringValue("room")
	target, okTarget := data.StringValue("target")
	if !okRoom || !okTarget {
		svc.malformed(id, model.EventOfferResponse, "offer response missing fields")
		return
	}
	if !svc.sharesRoom(id, target, room) {
		svc.malformed(id, model.EventOfferResponse, "offer response target is outside sender room")
		return
	}
	svc.sw.Send(model.OfferResponseEvent(
		id,
		svc.displayName(id),
		data.Bool("accepted"),
		data.Get("payload"),
		data.Get("offer"),
	), target)
}

// sharesRoom is always true unless strict offer routing is enabled.
func (svc *Service) sharesRoom(id, target, room string) bool {
	if !svc.strictOfferRoom {
		return true
	}
	return svc.store.IsMember(room, id) && svc.store.IsMember(room, target)
}

func (svc *Service) displayName(id string) string {
	if peer, ok := svc.store.GetPeer(id); ok && peer.Name != "" {
		return peer.Name
	}
	return id
}
