package p2p

import (
	"github.com/pkg/errors"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
)

// RequestID correlates an RPC response with the request that opened the
// exchange. Inbound requests are assigned ids by the RPC engine so that
// responses can be routed back onto the originating stream.
type RequestID uint64

// RPCEventKind distinguishes requests, responses and protocol errors.
type RPCEventKind int

const (
	// RPCRequestKind is an inbound or outbound request.
	RPCRequestKind RPCEventKind = iota
	// RPCResponseKind is an inbound or outbound response.
	RPCResponseKind
	// RPCErrorKind is a protocol-level error on an exchange.
	RPCErrorKind
)

// RPCMethod enumerates the defined req/resp protocols.
type RPCMethod int

const (
	// MethodStatus is the chain-state handshake.
	MethodStatus RPCMethod = iota
	// MethodGoodbye announces an intentional disconnect.
	MethodGoodbye
	// MethodPing is the liveness check carrying the metadata sequence number.
	MethodPing
	// MethodMetaData requests the remote peer's metadata.
	MethodMetaData
)

// RPC protocol IDs, without the encoding suffix.
const (
	RPCStatusTopic   = "/eth2/beacon_chain/req/status/1"
	RPCGoodbyeTopic  = "/eth2/beacon_chain/req/goodbye/1"
	RPCPingTopic     = "/eth2/beacon_chain/req/ping/1"
	RPCMetaDataTopic = "/eth2/beacon_chain/req/metadata/1"
)

// Topic returns the protocol ID of the method, without the encoding suffix.
func (m RPCMethod) Topic() string {
	switch m {
	case MethodStatus:
		return RPCStatusTopic
	case MethodGoodbye:
		return RPCGoodbyeTopic
	case MethodPing:
		return RPCPingTopic
	case MethodMetaData:
		return RPCMetaDataTopic
	}
	return ""
}

// String implements fmt.Stringer for logging.
func (m RPCMethod) String() string {
	switch m {
	case MethodStatus:
		return "status"
	case MethodGoodbye:
		return "goodbye"
	case MethodPing:
		return "ping"
	case MethodMetaData:
		return "metadata"
	}
	return "unknown"
}

// RPCErrorDetail describes a protocol-level failure on an RPC exchange.
type RPCErrorDetail struct {
	Protocol string
	Message  string
}

// RPCEvent is a single request, response or error on the req/resp protocol.
// Payload holds the typed message for the method: *types.Ping for ping/pong,
// *types.MetaData for metadata responses, *types.Status for status and
// *types.Goodbye for goodbye. Metadata requests carry no payload.
type RPCEvent struct {
	ID      RequestID
	Kind    RPCEventKind
	Method  RPCMethod
	Payload interface{}
	Error   *RPCErrorDetail
}

// NewPingRequest builds a ping request carrying our metadata sequence number.
func NewPingRequest(seq uint64) *RPCEvent {
	return &RPCEvent{Kind: RPCRequestKind, Method: MethodPing, Payload: &types.Ping{SeqNumber: seq}}
}

// NewPongResponse builds the response to a ping, reusing the request id.
func NewPongResponse(id RequestID, seq uint64) *RPCEvent {
	return &RPCEvent{ID: id, Kind: RPCResponseKind, Method: MethodPing, Payload: &types.Ping{SeqNumber: seq}}
}

// NewMetaDataRequest builds a metadata request. The method carries no body.
func NewMetaDataRequest() *RPCEvent {
	return &RPCEvent{Kind: RPCRequestKind, Method: MethodMetaData}
}

// NewMetaDataResponse builds a metadata response, reusing the request id.
func NewMetaDataResponse(id RequestID, md *types.MetaData) *RPCEvent {
	return &RPCEvent{ID: id, Kind: RPCResponseKind, Method: MethodMetaData, Payload: md}
}

// NewStatusRequest builds a status handshake request.
func NewStatusRequest(status *types.Status) *RPCEvent {
	return &RPCEvent{Kind: RPCRequestKind, Method: MethodStatus, Payload: status}
}

// NewStatusResponse builds a status handshake response.
func NewStatusResponse(id RequestID, status *types.Status) *RPCEvent {
	return &RPCEvent{ID: id, Kind: RPCResponseKind, Method: MethodStatus, Payload: status}
}

// NewGoodbyeRequest builds a goodbye notification.
func NewGoodbyeRequest(reason uint64) *RPCEvent {
	return &RPCEvent{Kind: RPCRequestKind, Method: MethodGoodbye, Payload: &types.Goodbye{Reason: reason}}
}

// NewErrorEvent builds a protocol error event for an exchange.
func NewErrorEvent(id RequestID, method RPCMethod, err error) *RPCEvent {
	return &RPCEvent{
		ID:     id,
		Kind:   RPCErrorKind,
		Method: method,
		Error:  &RPCErrorDetail{Protocol: method.Topic(), Message: err.Error()},
	}
}

// pingPayload extracts the ping body of an event or errors.
func (e *RPCEvent) pingPayload() (*types.Ping, error) {
	p, ok := e.Payload.(*types.Ping)
	if !ok || p == nil {
		return nil, errors.New("rpc event carries no ping payload")
	}
	return p, nil
}

// metaDataPayload extracts the metadata body of an event or errors.
func (e *RPCEvent) metaDataPayload() (*types.MetaData, error) {
	md, ok := e.Payload.(*types.MetaData)
	if !ok || md == nil {
		return nil, errors.New("rpc event carries no metadata payload")
	}
	return md, nil
}

// statusPayload extracts the status body of an event or errors.
func (e *RPCEvent) statusPayload() (*types.Status, error) {
	s, ok := e.Payload.(*types.Status)
	if !ok || s == nil {
		return nil, errors.New("rpc event carries no status payload")
	}
	return s, nil
}
