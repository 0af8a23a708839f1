package domain

// Event types pushed to peers over their notification channel.
const (
	EventNewProducer = "newProducer"
	EventPeerJoined  = "peerJoined"
	EventPeerLeft    = "peerLeft"
)

// Event is one asynchronous room notification. A single flat shape keeps
// marshaling trivial for every outbound transport (websocket, AMQP mirror).
type Event struct {
	Type       string     `json:"type"`
	Room       RoomID     `json:"room"`
	PeerID     PeerID     `json:"peerId,omitempty"`
	ProducerID ProducerID `json:"producerId,omitempty"`
	Kind       MediaKind  `json:"kind,omitempty"`
}

func NewProducerEvent(room RoomID, producer ProducerID, peer PeerID, kind MediaKind) Event {
	return Event{Type: EventNewProducer, Room: room, ProducerID: producer, PeerID: peer, Kind: kind}
}

func PeerJoinedEvent(room RoomID, peer PeerID) Event {
	return Event{Type: EventPeerJoined, Room: room, PeerID: peer}
}

func PeerLeftEvent(room RoomID, peer PeerID) Event {
	return Event{Type: EventPeerLeft, Room: room, PeerID: peer}
}
