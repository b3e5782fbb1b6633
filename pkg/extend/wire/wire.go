// Package wire defines the collaborator contracts this module consumes
// but does not own: Serializer/Codec (the binary object format) and
// Transport (the byte-oriented, order-preserving channel to the grid
// proxy). It also ships one reference implementation of each so the rest
// of the module is independently testable and usable without a real grid
// proxy.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Serializer converts between domain objects and opaque byte buffers. The
// binary object format itself (POF, JSON, gob, ...) is an external concern;
// this module only ever calls Serialize/Deserialize.
type Serializer interface {
	Serialize(w io.Writer, value interface{}) error
	Deserialize(r io.Reader, out interface{}) error
}

// Codec writes and reads one framed message to/from a buffer output/input,
// including enough self-describing metadata (type id, impl version) for
// MessageFactory to reconstruct the right concrete type on the way in.
type Codec interface {
	Encode(w io.Writer, typeID int32, implVersion int32, payload []byte, futureData []byte) error
	Decode(r io.Reader) (typeID int32, implVersion int32, payload []byte, futureData []byte, err error)
}

// Transport delivers and receives opaque byte frames in order over a
// single long-lived stream. Socket options, TLS, and reconnection
// heuristics belong to the concrete implementation, not to this contract.
type Transport interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// GobSerializer is the reference Serializer: adequate for tests and small
// standalone programs, not a wire-compatible replacement for a real grid
// proxy's POF codec.
type GobSerializer struct{}

func (GobSerializer) Serialize(w io.Writer, value interface{}) error {
	return gob.NewEncoder(w).Encode(value)
}

func (GobSerializer) Deserialize(r io.Reader, out interface{}) error {
	return gob.NewDecoder(r).Decode(out)
}

// StreamCodec is the reference Codec: a compact self-describing frame of
// [typeID int32][implVersion int32][payloadLen uint32][payload][futureLen
// uint32][futureData]. Real deployments replace this with POF or another
// evolvable-aware format; this module only needs the four fields above to
// exist somewhere in the frame.
type StreamCodec struct{}

func (StreamCodec) Encode(w io.Writer, typeID int32, implVersion int32, payload []byte, futureData []byte) error {
	var header [12]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(typeID))
	binary.BigEndian.PutUint32(header[4:8], uint32(implVersion))
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	var futureLen [4]byte
	binary.BigEndian.PutUint32(futureLen[:], uint32(len(futureData)))
	if _, err := w.Write(futureLen[:]); err != nil {
		return err
	}
	_, err := w.Write(futureData)
	return err
}

func (StreamCodec) Decode(r io.Reader) (typeID int32, implVersion int32, payload []byte, futureData []byte, err error) {
	var header [12]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return
	}
	typeID = int32(binary.BigEndian.Uint32(header[0:4]))
	implVersion = int32(binary.BigEndian.Uint32(header[4:8]))
	payloadLen := binary.BigEndian.Uint32(header[8:12])
	payload = make([]byte, payloadLen)
	if _, err = io.ReadFull(r, payload); err != nil {
		return
	}
	var futureLenBuf [4]byte
	if _, err = io.ReadFull(r, futureLenBuf[:]); err != nil {
		return
	}
	futureLen := binary.BigEndian.Uint32(futureLenBuf[:])
	futureData = make([]byte, futureLen)
	_, err = io.ReadFull(r, futureData)
	return
}

// EncodeFrame writes the channel id followed by the codec-produced bytes,
// the wire frame this module owns end to end: [int32 channel_id][codec
// bytes].
func EncodeFrame(channelID int32, codecBytes []byte) []byte {
	frame := make([]byte, 4+len(codecBytes))
	binary.BigEndian.PutUint32(frame[0:4], uint32(channelID))
	copy(frame[4:], codecBytes)
	return frame
}

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(frame []byte) (channelID int32, codecBytes []byte, err error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("wire: frame too short to contain a channel id: %d bytes", len(frame))
	}
	channelID = int32(binary.BigEndian.Uint32(frame[0:4]))
	return channelID, frame[4:], nil
}

// PipeTransport is an in-memory Transport over a pair of byte-slice
// channels, used to connect two in-process peers in tests without a real
// socket.
type PipeTransport struct {
	outbound chan []byte
	inbound  chan []byte
	closed   chan struct{}
}

// NewPipe returns two ends of an in-memory full-duplex transport: bytes
// sent on a are received on b and vice versa.
func NewPipe(buffer int) (a, b *PipeTransport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	closed := make(chan struct{})
	a = &PipeTransport{outbound: ab, inbound: ba, closed: closed}
	b = &PipeTransport{outbound: ba, inbound: ab, closed: closed}
	return a, b
}

func (p *PipeTransport) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case p.outbound <- cp:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *PipeTransport) Receive() ([]byte, error) {
	select {
	case frame, ok := <-p.inbound:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-p.closed:
		return nil, io.ErrClosedPipe
	}
}

func (p *PipeTransport) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// NewFrameReader adapts a []byte for use with Codec.Decode, which expects an
// io.Reader positioned at the start of exactly one frame's codec bytes.
func NewFrameReader(codecBytes []byte) io.Reader {
	return bytes.NewReader(codecBytes)
}
