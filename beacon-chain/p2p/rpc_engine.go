package p2p

import (
	"context"
	"io"
	"sync"
	"time"

	fastssz "github.com/ferranbt/fastssz"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/meridianlabs/meridian/beacon-chain/p2p/encoder"
	"github.com/meridianlabs/meridian/beacon-chain/p2p/types"
	"github.com/meridianlabs/meridian/config/params"
	"github.com/meridianlabs/meridian/monitoring/tracing"
)

const (
	// rpcQueueSize bounds the inbound RPC event channel.
	rpcQueueSize = 256

	// Response chunk result bytes.
	responseCodeSuccess     = byte(0x00)
	responseCodeServerError = byte(0x02)

	// maxErrorMessageSize caps the error text read from a failed response.
	maxErrorMessageSize = 256
)

// rpcEngine serves the req/resp protocols over libp2p streams. Inbound
// requests are surfaced as events with the stream parked under a request id;
// the response handed back through Send is written onto that stream.
// Outbound requests open a fresh stream and surface the response (or a
// protocol error) as a later event.
type rpcEngine struct {
	ctx  context.Context
	host host.Host
	enc  encoder.NetworkEncoding

	lock        sync.Mutex
	nextID      RequestID
	respStreams map[RequestID]parkedStream

	events chan RPCMessage
}

// parkedStream is an inbound stream awaiting a response through Send. Entries
// past their expiry are reset and dropped on the next park.
type parkedStream struct {
	stream  network.Stream
	expires time.Time
}

// newRPCEngine registers stream handlers for every method on the host.
func newRPCEngine(ctx context.Context, h host.Host) *rpcEngine {
	r := &rpcEngine{
		ctx:         ctx,
		host:        h,
		enc:         &encoder.SszNetworkEncoder{},
		respStreams: make(map[RequestID]parkedStream),
		events:      make(chan RPCMessage, rpcQueueSize),
	}
	for _, method := range []RPCMethod{MethodStatus, MethodGoodbye, MethodPing, MethodMetaData} {
		method := method
		h.SetStreamHandler(protocol.ID(method.Topic()+r.enc.ProtocolSuffix()), func(stream network.Stream) {
			r.handleInbound(method, stream)
		})
	}
	return r
}

// Events implements RPCEngine.
func (r *rpcEngine) Events() <-chan RPCMessage {
	return r.events
}

// Send implements RPCEngine. Requests open a new stream to the peer;
// responses are written onto the parked stream of the request they answer.
func (r *rpcEngine) Send(pid peer.ID, ev *RPCEvent) error {
	switch ev.Kind {
	case RPCRequestKind:
		return r.sendRequest(pid, ev)
	case RPCResponseKind:
		return r.sendResponse(ev)
	default:
		return errors.New("only requests and responses can be sent")
	}
}

func (r *rpcEngine) sendRequest(pid peer.ID, ev *RPCEvent) error {
	ctx, span := trace.StartSpan(r.ctx, "p2p.rpc.sendRequest")
	defer span.End()
	topic := ev.Method.Topic() + r.enc.ProtocolSuffix()
	span.AddAttributes(trace.StringAttribute("topic", topic))

	deadline := params.BeaconNetworkConfig().TtfbTimeout + params.BeaconNetworkConfig().RespTimeout
	ctx, cancel := context.WithTimeout(ctx, deadline)
	stream, err := r.host.NewStream(ctx, pid, protocol.ID(topic))
	if err != nil {
		cancel()
		tracing.AnnotateError(span, err)
		return err
	}
	if err := stream.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		cancel()
		tracing.AnnotateError(span, err)
		return err
	}
	if err := stream.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		cancel()
		tracing.AnnotateError(span, err)
		return err
	}
	// Metadata requests carry no body.
	if ev.Method != MethodMetaData {
		msg, err := requestBody(ev)
		if err != nil {
			cancel()
			tracing.AnnotateError(span, err)
			return err
		}
		if _, err := r.enc.EncodeWithMaxLength(stream, msg); err != nil {
			cancel()
			tracing.AnnotateError(span, err)
			return err
		}
	}
	if err := stream.CloseWrite(); err != nil {
		cancel()
		tracing.AnnotateError(span, err)
		return err
	}
	go func() {
		defer cancel()
		r.readResponse(stream, ev.Method)
	}()
	return nil
}

func requestBody(ev *RPCEvent) (fastssz.Marshaler, error) {
	switch ev.Method {
	case MethodPing:
		return ev.pingPayload()
	case MethodStatus:
		return ev.statusPayload()
	case MethodGoodbye:
		g, ok := ev.Payload.(*types.Goodbye)
		if !ok || g == nil {
			return nil, errors.New("rpc event carries no goodbye payload")
		}
		return g, nil
	}
	return nil, errors.Errorf("method %s has no request body", ev.Method)
}

// readResponse consumes a response chunk from the stream and surfaces it as
// an event. Goodbye has no response, so the stream is just drained.
func (r *rpcEngine) readResponse(stream network.Stream, method RPCMethod) {
	defer closeStream(stream)
	pid := stream.Conn().RemotePeer()
	if method == MethodGoodbye {
		return
	}
	code := make([]byte, 1)
	if _, err := io.ReadFull(stream, code); err != nil {
		r.push(pid, NewErrorEvent(0, method, errors.Wrap(err, "could not read response code")))
		return
	}
	if code[0] != responseCodeSuccess {
		msg := make([]byte, maxErrorMessageSize)
		n, _ := stream.Read(msg)
		r.push(pid, NewErrorEvent(0, method, errors.Errorf("error response: %s", msg[:n])))
		return
	}
	var payload interface{}
	var err error
	switch method {
	case MethodPing:
		ping := &types.Ping{}
		err = r.enc.DecodeWithMaxLength(stream, ping)
		payload = ping
	case MethodMetaData:
		md := &types.MetaData{}
		err = r.enc.DecodeWithMaxLength(stream, md)
		payload = md
	case MethodStatus:
		status := &types.Status{}
		err = r.enc.DecodeWithMaxLength(stream, status)
		payload = status
	}
	if err != nil {
		r.push(pid, NewErrorEvent(0, method, errors.Wrap(err, "could not decode response")))
		return
	}
	r.push(pid, &RPCEvent{Kind: RPCResponseKind, Method: method, Payload: payload})
}

func (r *rpcEngine) sendResponse(ev *RPCEvent) error {
	r.lock.Lock()
	parked, ok := r.respStreams[ev.ID]
	delete(r.respStreams, ev.ID)
	r.lock.Unlock()
	if !ok {
		return errors.Errorf("no pending request with id %d", ev.ID)
	}
	stream := parked.stream
	defer closeStream(stream)
	msg, ok := ev.Payload.(fastssz.Marshaler)
	if !ok || msg == nil {
		return errors.New("response carries no encodable payload")
	}
	if _, err := stream.Write([]byte{responseCodeSuccess}); err != nil {
		return err
	}
	if _, err := r.enc.EncodeWithMaxLength(stream, msg); err != nil {
		return err
	}
	return nil
}

// handleInbound decodes a request from the stream and surfaces it. The
// stream is parked under a fresh request id until the response arrives
// through Send. If the event queue is full the stream is unparked and reset
// instead of lingering; parked entries past their deadline are reaped on the
// next park.
func (r *rpcEngine) handleInbound(method RPCMethod, stream network.Stream) {
	pid := stream.Conn().RemotePeer()
	deadline := params.BeaconNetworkConfig().TtfbTimeout + params.BeaconNetworkConfig().RespTimeout
	if err := stream.SetDeadline(time.Now().Add(deadline)); err != nil {
		_ = stream.Reset()
		return
	}
	var payload interface{}
	var err error
	switch method {
	case MethodPing:
		ping := &types.Ping{}
		err = r.enc.DecodeWithMaxLength(stream, ping)
		payload = ping
	case MethodStatus:
		status := &types.Status{}
		err = r.enc.DecodeWithMaxLength(stream, status)
		payload = status
	case MethodGoodbye:
		goodbye := &types.Goodbye{}
		err = r.enc.DecodeWithMaxLength(stream, goodbye)
		payload = goodbye
	case MethodMetaData:
		// No body.
	}
	if err != nil {
		r.writeErrorChunk(stream, err)
		r.push(pid, NewErrorEvent(0, method, errors.Wrap(err, "could not decode request")))
		return
	}
	ev := &RPCEvent{Kind: RPCRequestKind, Method: method, Payload: payload}
	if method == MethodGoodbye {
		// Goodbye takes no response.
		closeStream(stream)
		r.push(pid, ev)
		return
	}
	ev.ID = r.parkStream(stream, time.Now().Add(deadline))
	if !r.push(pid, ev) {
		r.unparkStream(ev.ID)
		_ = stream.Reset()
	}
}

func (r *rpcEngine) parkStream(stream network.Stream, expires time.Time) RequestID {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := time.Now()
	for id, parked := range r.respStreams {
		if now.After(parked.expires) {
			_ = parked.stream.Reset()
			delete(r.respStreams, id)
		}
	}
	r.nextID++
	r.respStreams[r.nextID] = parkedStream{stream: stream, expires: expires}
	return r.nextID
}

func (r *rpcEngine) unparkStream(id RequestID) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.respStreams, id)
}

func (r *rpcEngine) writeErrorChunk(stream network.Stream, err error) {
	defer closeStream(stream)
	if _, wErr := stream.Write([]byte{responseCodeServerError}); wErr != nil {
		return
	}
	msg := err.Error()
	if len(msg) > maxErrorMessageSize {
		msg = msg[:maxErrorMessageSize]
	}
	_, _ = stream.Write([]byte(msg))
}

func (r *rpcEngine) push(pid peer.ID, ev *RPCEvent) bool {
	select {
	case r.events <- RPCMessage{Peer: pid, Event: ev}:
		return true
	default:
		log.WithField("peer", pid.String()).Debug("RPC event queue full, dropping event")
		return false
	}
}

func closeStream(stream network.Stream) {
	if err := stream.Close(); err != nil {
		log.WithError(err).Debug("Could not close stream")
	}
}
