package pipeline

// Envelope type tags pushed to subscriber connections.
const (
	TypeSensorUpdate     = "SensorUpdate"
	TypePing             = "Ping"
	TypeProcessingStatus = "ProcessingStatus"
)

// SensorUpdate announces an admitted measurement.
type SensorUpdate struct {
	Type      string `json:"type"`
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
}

// NewSensorUpdate builds the envelope for an admitted packet.
func NewSensorUpdate(p *SensorPacket) SensorUpdate {
	return SensorUpdate{Type: TypeSensorUpdate, Address: p.Address, Timestamp: p.Timestamp}
}

// PingNotice announces a network liveness ping.
type PingNotice struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// NewPingNotice builds the envelope for a ping signal.
func NewPingNotice(address string) PingNotice {
	return PingNotice{Type: TypePing, Address: address}
}

// ProcessingStatus tells subscribers the ingestion gate state changed.
type ProcessingStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// StatusEnabled is broadcast when the gate reopens after a bulk operation.
const StatusEnabled = "enabled"

// NewProcessingEnabled builds the gate-reopened envelope.
func NewProcessingEnabled() ProcessingStatus {
	return ProcessingStatus{Type: TypeProcessingStatus, Status: StatusEnabled}
}
