package core

// EngineConfig carries the tunables of the transport engine.
type EngineConfig struct {
	// MSS is the largest payload carried in one segment.
	MSS int `json:"mss" yaml:"mss"`

	// RTOMinMS and RTOMaxMS bound the retransmission timeout, milliseconds.
	RTOMinMS int `json:"rtoMinMS" yaml:"rtoMinMS"`
	RTOMaxMS int `json:"rtoMaxMS" yaml:"rtoMaxMS"`

	// MSLSeconds is the maximum segment lifetime; TIME-WAIT lasts twice this.
	MSLSeconds int `json:"mslSeconds" yaml:"mslSeconds"`

	// RetryLimit is how many times one segment is retransmitted before the
	// connection is aborted.
	RetryLimit int `json:"retryLimit" yaml:"retryLimit"`

	// DupAckThreshold is the duplicate-ack count that triggers fast
	// retransmit.
	DupAckThreshold int `json:"dupAckThreshold" yaml:"dupAckThreshold"`

	// DelayedAckMS is the ACK coalescing delay, milliseconds. 0 means ACK
	// immediately.
	DelayedAckMS int `json:"delayedAckMS" yaml:"delayedAckMS"`

	// SendBufferHighWater caps bytes buffered per connection awaiting
	// transmission.
	SendBufferHighWater int `json:"sendBufferHighWater" yaml:"sendBufferHighWater"`

	// RecvWindow is the locally advertised receive window in bytes.
	RecvWindow int `json:"recvWindow" yaml:"recvWindow"`

	// SynBacklog bounds half-open connections per listener. Further SYNs
	// are dropped silently.
	SynBacklog int `json:"synBacklog" yaml:"synBacklog"`

	// InitialSsthresh seeds the slow-start threshold in bytes.
	InitialSsthresh int `json:"initialSsthresh" yaml:"initialSsthresh"`

	// IdleLifetimeSeconds aborts connections idle past this. 0 disables.
	IdleLifetimeSeconds int `json:"idleLifetimeSeconds" yaml:"idleLifetimeSeconds"`

	// TraceFile, when set, mirrors every segment into this pcap file.
	TraceFile string `json:"traceFile" yaml:"traceFile"`
}

// NetworkConfig configures the bundled UDP network path.
type NetworkConfig struct {
	// ListenAddr is the local UDP address segments ride on, host:port.
	ListenAddr string `json:"listenAddr" yaml:"listenAddr"`

	// PeerPort is the UDP port peers listen on. 0 means the local listen
	// port, the symmetric-tunnel default.
	PeerPort int `json:"peerPort" yaml:"peerPort"`

	// MTU bounds encoded segment size.
	MTU int `json:"mtu" yaml:"mtu"`

	// TTL and TOS are applied to outgoing datagrams when nonzero.
	TTL int `json:"ttl" yaml:"ttl"`
	TOS int `json:"tos" yaml:"tos"`
}
