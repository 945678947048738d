package model

// Peer is the registry record of one live connection.
type Peer struct {
	ID   string
	Name string
	Room string // empty when the peer is not in a room
}

// PeerInfo is a single entry of a presence list.
type PeerInfo struct {
	ID   string `json:"sid" msgpack:"sid"`
	Name string `json:"name" msgpack:"name"`
}

// Event is a single framed message, inbound or outbound.
type Event struct {
	Name string   `json:"event" msgpack:"event"`
	Data Document `json:"data" msgpack:"data"`
	SRC  string   `json:"-" msgpack:"-"` // for inbound events server assigns this based on websocket session
}

type Wire struct {
	RX chan Event
	TX chan Event
}

// NewWire creates a connection wire. TX is buffered so the switch
// can enqueue without waiting for the socket writer.
func NewWire(txQueueSize int) Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event, txQueueSize),
	}
}
