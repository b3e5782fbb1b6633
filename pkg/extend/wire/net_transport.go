package wire

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// NetTransport adapts a net.Conn (TCP or anything stream-oriented) to the
// Transport contract using a simple length-prefixed frame: [uint32
// length][bytes]. Socket options, TLS, and reconnection are the caller's
// concern; NetTransport only serializes concurrent writers and frames the
// stream.
type NetTransport struct {
	conn      net.Conn
	writeLock sync.Mutex
}

func NewNetTransport(conn net.Conn) *NetTransport {
	return &NetTransport{conn: conn}
}

func (t *NetTransport) Send(frame []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := t.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := t.conn.Write(frame)
	return err
}

func (t *NetTransport) Receive() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	frame := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(t.conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *NetTransport) Close() error {
	return t.conn.Close()
}
