package domain

// Entity rows hold foreign-key references (ids), never pointers to each
// other, so cascade-close is a traversal over id sets.

// Transport is a network-facing media endpoint. PeerID is empty while the
// transport exists at room scope only (created before its peer joined).
type Transport struct {
	ID        TransportID `json:"id"`
	PeerID    PeerID      `json:"peerId,omitempty"`
	Producing bool        `json:"producing"`
	Consuming bool        `json:"consuming"`
	Connected bool        `json:"connected"`
}

// Producer is one inbound media stream from a peer.
type Producer struct {
	ID          ProducerID  `json:"id"`
	PeerID      PeerID      `json:"peerId"`
	TransportID TransportID `json:"-"`
	Kind        MediaKind   `json:"kind"`
	Paused      bool        `json:"paused"`
}

// Consumer is one outbound media stream, sourced from exactly one producer.
// Consumers always start paused; the receiving client resumes explicitly.
type Consumer struct {
	ID          ConsumerID  `json:"id"`
	PeerID      PeerID      `json:"peerId"`
	TransportID TransportID `json:"-"`
	ProducerID  ProducerID  `json:"producerId"`
	Kind        MediaKind   `json:"kind"`
	Paused      bool        `json:"paused"`
}

// RoomInfo is a read-only room summary for listings and diagnostics.
type RoomInfo struct {
	ID             RoomID `json:"id"`
	PeerCount      int    `json:"peerCount"`
	TransportCount int    `json:"transportCount"`
	ProducerCount  int    `json:"producerCount"`
	ConsumerCount  int    `json:"consumerCount"`
}
