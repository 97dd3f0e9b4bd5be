package pbft

// Codec turns PbftMessage/ViewChange values into the opaque bytes carried
// in a PeerMessage's Content field, and back. The core never inspects the
// wire format itself — see internal/consensus/codec for the concrete,
// field-numbered implementation.
type Codec interface {
	EncodeMessage(PbftMessage) ([]byte, error)
	DecodeMessage([]byte) (PbftMessage, error)
	EncodeViewChange(ViewChange) ([]byte, error)
	DecodeViewChange([]byte) (ViewChange, error)
}

// MetricsSink receives best-effort observability signals from a Node. All
// methods are called synchronously and must not block; a nil MetricsSink is
// never passed to hooks (Node substitutes a no-op implementation).
type MetricsSink interface {
	ObservePhase(phase string)
	ObserveViewChange()
	ObserveCheckpointStable()
	ObserveMessageLogged(msgType string)
	ObserveBacklogDepth(kind string, depth int)
	ObserveView(view uint64)
}

type noopMetrics struct{}

func (noopMetrics) ObservePhase(string)          {}
func (noopMetrics) ObserveViewChange()            {}
func (noopMetrics) ObserveCheckpointStable()       {}
func (noopMetrics) ObserveMessageLogged(string)   {}
func (noopMetrics) ObserveBacklogDepth(string, int) {}
func (noopMetrics) ObserveView(uint64)            {}
