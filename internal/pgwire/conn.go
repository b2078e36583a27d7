package pgwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"

	"semgate/internal/domain"
)

const (
	protocolVersion3  = 196608
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
	gssEncRequestCode = 80877104

	// maxStartupPacket matches the server-side limit PostgreSQL applies
	// before authentication.
	maxStartupPacket = 10000
)

// frame is one frontend message as read off the socket. The body is
// freshly allocated and owned by the receiver.
type frame struct {
	typ  byte
	body []byte
	err  error
}

func readFrame(r io.Reader, maxSize int) (frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	length := int64(binary.BigEndian.Uint32(header[1:]))
	if length < 4 {
		return frame{}, domain.ErrProtocol("invalid message length %d", length)
	}
	if length-4 > int64(maxSize) {
		return frame{}, domain.ErrProtocol("message of %d bytes exceeds the limit of %d bytes", length-4, maxSize)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	return frame{typ: header[0], body: body}, nil
}

// readStartupPacket reads an untyped startup-phase packet and returns its
// request code and the bytes that follow it.
func readStartupPacket(r io.Reader) (uint32, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length < 8 || length > maxStartupPacket {
		return 0, nil, domain.ErrProtocol("invalid length of startup packet")
	}
	code := binary.BigEndian.Uint32(header[4:])
	body := make([]byte, length-8)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return code, body, nil
}

func decodeFrontend(f frame) (pgproto3.FrontendMessage, error) {
	var msg pgproto3.FrontendMessage
	switch f.typ {
	case 'Q':
		msg = &pgproto3.Query{}
	case 'P':
		msg = &pgproto3.Parse{}
	case 'B':
		msg = &pgproto3.Bind{}
	case 'D':
		msg = &pgproto3.Describe{}
	case 'E':
		msg = &pgproto3.Execute{}
	case 'C':
		msg = &pgproto3.Close{}
	case 'S':
		msg = &pgproto3.Sync{}
	case 'H':
		msg = &pgproto3.Flush{}
	case 'X':
		msg = &pgproto3.Terminate{}
	case 'p':
		msg = &pgproto3.PasswordMessage{}
	default:
		return nil, domain.ErrProtocol("invalid frontend message type %d", f.typ)
	}
	if err := msg.Decode(f.body); err != nil {
		return nil, domain.ErrProtocol("invalid %q message: %v", f.typ, err)
	}
	return msg, nil
}

// writer buffers backend messages. The first write error sticks: later
// sends are dropped and the session loop exits when it sees err.
type writer struct {
	w         *bufio.Writer
	buf       []byte
	threshold int
	err       error
}

func newWriter(w io.Writer, threshold int) *writer {
	return &writer{w: bufio.NewWriterSize(w, threshold), threshold: threshold}
}

func (w *writer) send(msg pgproto3.BackendMessage) {
	if w.err != nil {
		return
	}
	buf, err := msg.Encode(w.buf[:0])
	if err != nil {
		w.err = fmt.Errorf("encode %T: %w", msg, err)
		return
	}
	w.buf = buf
	if _, err := w.w.Write(buf); err != nil {
		w.err = err
	}
}

// maybeFlush flushes once the buffered output reaches the threshold.
func (w *writer) maybeFlush() {
	if w.err == nil && w.w.Buffered() >= w.threshold {
		w.err = w.w.Flush()
	}
}

func (w *writer) flush() error {
	if w.err == nil {
		w.err = w.w.Flush()
	}
	return w.err
}
