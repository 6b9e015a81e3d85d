// Package encoder defines the network encoding used for gossip payloads and
// req/resp chunks.
package encoder

import (
	"encoding/binary"
	"io"
	"sync"

	fastssz "github.com/ferranbt/fastssz"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/meridianlabs/meridian/config/params"
)

var _ = NetworkEncoding(&SszNetworkEncoder{})

// NetworkEncoding represents an encoder compatible with the beacon p2p
// protocol: block-compressed snappy for gossip, length-prefixed framed
// snappy for req/resp streams.
type NetworkEncoding interface {
	// DecodeGossip to the provided gossip message. The interface must be a pointer to the decoding destination.
	DecodeGossip([]byte, fastssz.Unmarshaler) error
	// DecodeWithMaxLength a bytes from a reader with a varint length prefix. The interface must be a pointer to the
	// decoding destination. The length of the message should not be more than the provided limit.
	DecodeWithMaxLength(io.Reader, fastssz.Unmarshaler) error
	// EncodeGossip an arbitrary gossip message to the provided writer. The interface must be a pointer object to encode.
	EncodeGossip(io.Writer, fastssz.Marshaler) (int, error)
	// EncodeWithMaxLength an arbitrary message to the provided writer with a varint length prefix. The interface must be
	// a pointer object to encode. The encoded message should not be more than the provided limit.
	EncodeWithMaxLength(io.Writer, fastssz.Marshaler) (int, error)
	// ProtocolSuffix returns the last part of the protocol ID to indicate the encoding scheme.
	ProtocolSuffix() string
}

// SszNetworkEncoder supports p2p networking encoding using SimpleSerialize
// with snappy compression (if enabled).
type SszNetworkEncoder struct{}

// ProtocolSuffixSSZSnappy is the last part of the topic string to identify the encoding protocol.
const ProtocolSuffixSSZSnappy = "ssz_snappy"

// EncodeGossip the proper gossip message to the io.Writer.
func (_ SszNetworkEncoder) EncodeGossip(w io.Writer, msg fastssz.Marshaler) (int, error) {
	if msg == nil {
		return 0, nil
	}
	b, err := msg.MarshalSSZ()
	if err != nil {
		return 0, errors.Wrap(err, "could not marshal message")
	}
	if uint64(len(b)) > MaxGossipSize() {
		return 0, errors.Errorf("gossip message exceeds max gossip size: %d bytes > %d bytes", len(b), MaxGossipSize())
	}
	b = snappy.Encode(nil /*dst*/, b)
	return w.Write(b)
}

// EncodeWithMaxLength the proper rpc message to the io.Writer, prefixed with
// the uncompressed payload length as a protobuf varint.
func (_ SszNetworkEncoder) EncodeWithMaxLength(w io.Writer, msg fastssz.Marshaler) (int, error) {
	if msg == nil {
		return 0, nil
	}
	b, err := msg.MarshalSSZ()
	if err != nil {
		return 0, errors.Wrap(err, "could not marshal message")
	}
	if uint64(len(b)) > MaxChunkSize() {
		return 0, errors.Errorf("chunk exceeds max chunk size: %d bytes > %d bytes", len(b), MaxChunkSize())
	}
	if err := writeVarint(w, uint64(len(b))); err != nil {
		return 0, err
	}
	return writeSnappyBuffer(w, b)
}

// DecodeGossip decodes the bytes to the protobuf gossip message provided.
func (_ SszNetworkEncoder) DecodeGossip(b []byte, to fastssz.Unmarshaler) error {
	size, err := snappy.DecodedLen(b)
	if err != nil {
		return errors.Wrap(err, "could not determine decoded length")
	}
	if uint64(size) > MaxGossipSize() {
		return errors.Errorf("gossip message exceeds max gossip size: %d bytes > %d bytes", size, MaxGossipSize())
	}
	b, err = snappy.Decode(nil /*dst*/, b)
	if err != nil {
		return errors.Wrap(err, "could not snappy decode message")
	}
	return to.UnmarshalSSZ(b)
}

// DecodeWithMaxLength decodes a varint-prefixed snappy frame from the reader.
func (_ SszNetworkEncoder) DecodeWithMaxLength(r io.Reader, to fastssz.Unmarshaler) error {
	msgLen, err := readVarint(r)
	if err != nil {
		return err
	}
	if msgLen > MaxChunkSize() {
		return errors.Errorf("remaining bytes %d exceeds max chunk size %d", msgLen, MaxChunkSize())
	}
	sr := newBufferedReader(r)
	defer bufReaderPool.Put(sr)
	buf := make([]byte, msgLen)
	if _, err := io.ReadFull(sr, buf); err != nil {
		return err
	}
	return to.UnmarshalSSZ(buf)
}

// ProtocolSuffix returns the appropriate suffix for protocol IDs.
func (_ SszNetworkEncoder) ProtocolSuffix() string {
	return "/" + ProtocolSuffixSSZSnappy
}

// MaxGossipSize is the maximum uncompressed size of a gossip payload.
func MaxGossipSize() uint64 {
	return params.BeaconNetworkConfig().GossipMaxSize
}

// MaxChunkSize is the maximum uncompressed size of an rpc chunk.
func MaxChunkSize() uint64 {
	return params.BeaconNetworkConfig().MaxChunkSize
}

// writeVarint writes length as a protobuf-style unsigned varint.
func writeVarint(w io.Writer, length uint64) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, length)
	_, err := w.Write(buf[:n])
	return err
}

// readVarint reads an unsigned varint one byte at a time so that no bytes
// beyond the prefix are consumed from the stream.
func readVarint(r io.Reader) (uint64, error) {
	b := make([]byte, 0, binary.MaxVarintLen64)
	buf := make([]byte, 1)
	for i := 0; i < binary.MaxVarintLen64; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		b = append(b, buf[0])
		if buf[0] < 0x80 {
			val, n := binary.Uvarint(b)
			if n != len(b) {
				return 0, errors.New("varint did not decode entire byte slice")
			}
			return val, nil
		}
	}
	return 0, errors.New("varint is too long")
}

// writeSnappyBuffer writes a snappy-framed copy of b using a pooled writer.
func writeSnappyBuffer(w io.Writer, b []byte) (int, error) {
	bufWriter := newBufferedWriter(w)
	defer bufWriterPool.Put(bufWriter)
	num, err := bufWriter.Write(b)
	if err != nil {
		// Close buf writer in the event of an error.
		if err := bufWriter.Close(); err != nil {
			return 0, err
		}
		return 0, err
	}
	return num, bufWriter.Close()
}

var bufReaderPool = new(sync.Pool)
var bufWriterPool = new(sync.Pool)

// instantiates a new instance of the snappy buffered reader
// using our sync pool.
func newBufferedReader(r io.Reader) *snappy.Reader {
	rawReader := bufReaderPool.Get()
	if rawReader == nil {
		return snappy.NewReader(r)
	}
	bufR, ok := rawReader.(*snappy.Reader)
	if !ok {
		return snappy.NewReader(r)
	}
	bufR.Reset(r)
	return bufR
}

// instantiates a new instance of the snappy buffered writer
// using our sync pool.
func newBufferedWriter(w io.Writer) *snappy.Writer {
	rawBufWriter := bufWriterPool.Get()
	if rawBufWriter == nil {
		return snappy.NewBufferedWriter(w)
	}
	bufW, ok := rawBufWriter.(*snappy.Writer)
	if !ok {
		return snappy.NewBufferedWriter(w)
	}
	bufW.Reset(w)
	return bufW
}
