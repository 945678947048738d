package model

// Inbound event names.
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventRename        = "rename"
	EventListPeers     = "list_peers"
	EventSignal        = "signal"
	EventOffer         = "offer"
	EventOfferResponse = "offer-response"
)

// Outbound event names.
const (
	EventPeerList   = "peer-list"
	EventPeerJoined = "peer-joined"
	EventPeerLeft   = "peer-left"
)

var eventAliases = map[string]string{
	"list-peers":     EventListPeers,
	"offer_response": EventOfferResponse,
}

// CanonicalEventName maps accepted spellings of inbound event names
// to the canonical one.
func CanonicalEventName(name string) string {
	if canonical, ok := eventAliases[name]; ok {
		return canonical
	}
	return name
}

// IsRelayEvent reports whether name is a pure relay event (signal, offer,
// offer response). Relay events carry opaque payloads and never touch
// membership.
func IsRelayEvent(name string) bool {
	switch CanonicalEventName(name) {
	case EventSignal, EventOffer, EventOfferResponse:
		return true
	}
	return false
}

func PeerListEvent(peers []PeerInfo) Event {
	if peers == nil {
		peers = []PeerInfo{}
	}
	return Event{Name: EventPeerList, Data: Document{"peers": peers}}
}

func PeerJoinedEvent(id string) Event {
	return Event{Name: EventPeerJoined, Data: Document{"sid": id}}
}

func PeerLeftEvent(id string) Event {
	return Event{Name: EventPeerLeft, Data: Document{"sid": id}}
}

func SignalEvent(from string, payload any) Event {
	return Event{Name: EventSignal, Data: Document{
		"from":    from,
		"payload": payload,
	}}
}

func OfferEvent(from, name string, payload any) Event {
	return Event{Name: EventOffer, Data: Document{
		"from":    from,
		"name":    name,
		"payload": payload,
	}}
}

func OfferResponseEvent(from, name string, accepted bool, payload, offer any) Event {
	return Event{Name: EventOfferResponse, Data: Document{
		"from":     from,
		"name":     name,
		"accepted": accepted,
		"payload":  payload,
		"offer":    offer,
	}}
}
