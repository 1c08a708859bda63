package mjpeg

import (
	"io"
	"net"
	"strconv"
)

// Boundary is the multipart boundary token used on every stream.
const Boundary = "ipcam"

// StreamHeader is written once at the start of each connection.
const StreamHeader = "HTTP/1.0 200 OK\r\n" +
	"Connection: close\r\n" +
	"Cache-Control: no-cache\r\n" +
	"Pragma: no-cache\r\n" +
	"Content-Type: multipart/x-mixed-replace; boundary=" + Boundary + "\r\n\r\n"

// maxRequestLines caps how much of a request head is read before streaming.
const maxRequestLines = 100

const busyResponse = "HTTP/1.0 503 Service Unavailable\r\n" +
	"Connection: close\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 12\r\n\r\n" +
	"server busy\n"

// partHeader returns the framing that precedes n bytes of JPEG data.
func partHeader(n int) []byte {
	b := make([]byte, 0, 80)
	b = append(b, "\r\n--"+Boundary+"\r\n"...)
	b = append(b, "Content-Type: image/jpeg\r\n"...)
	b = append(b, "Content-Length: "...)
	b = strconv.AppendInt(b, int64(n), 10)
	b = append(b, "\r\n\r\n"...)
	return b
}

// writePart writes one framed JPEG chunk. Header and payload go out in a
// single vectored write where the writer supports it.
func writePart(w io.Writer, jpeg []byte) (int64, error) {
	bufs := net.Buffers{partHeader(len(jpeg)), jpeg}
	return bufs.WriteTo(w)
}
