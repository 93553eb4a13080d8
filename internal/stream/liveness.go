package stream

import (
	stderrors "errors"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Datagram kinds seen on the liveness socket.
const (
	kindRTP     = "rtp"
	kindRTCP    = "rtcp"
	kindUnknown = "unknown"
)

// maxDatagramSize covers the largest packet the hub sends; longer datagrams
// are truncated, which is fine since only the header is read.
const maxDatagramSize = 2048

// classifyDatagram tells RTP from RTCP by payload type (RFC 5761) and parses
// the header for logging. Payloads are SRTP encrypted and are not inspected.
func classifyDatagram(b []byte) (kind, detail string) {
	if len(b) < 2 || b[0]>>6 != 2 {
		return kindUnknown, ""
	}

	if pt := b[1]; pt >= 192 && pt <= 223 {
		var h rtcp.Header
		if err := h.Unmarshal(b); err != nil {
			return kindUnknown, err.Error()
		}
		return kindRTCP, h.Type.String()
	}

	var h rtp.Header
	if _, err := h.Unmarshal(b); err != nil {
		return kindUnknown, err.Error()
	}
	return kindRTP, fmt.Sprintf("ssrc=%d seq=%d", h.SSRC, h.SequenceNumber)
}

// livenessSocket listens on the video return port. Any datagram from the hub
// counts as a sign of life.
type livenessSocket struct {
	conn net.PacketConn
}

// openLiveness binds port and reads until the socket is closed. onDatagram
// and onError are called from the reader goroutine; onError at most once.
func openLiveness(network string, port int, onDatagram func(kind, detail string), onError func(error)) (*livenessSocket, error) {
	conn, err := net.ListenPacket(network, ":"+strconv.Itoa(port))
	if err != nil {
		return nil, err
	}

	l := &livenessSocket{conn: conn}
	go l.read(onDatagram, onError)
	return l, nil
}

// read runs until the socket is closed. A close by Close is not an error.
func (l *livenessSocket) read(onDatagram func(kind, detail string), onError func(error)) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if !stderrors.Is(err, net.ErrClosed) {
				onError(err)
			}
			return
		}
		kind, detail := classifyDatagram(buf[:n])
		onDatagram(kind, detail)
	}
}

// Close stops the reader goroutine.
func (l *livenessSocket) Close() error {
	return l.conn.Close()
}
