package jsonrpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// FramingError marks a malformed header, missing Content-Length,
// truncated body or non-JSON body. Per spec it is fatal for the
// originating endpoint.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string { return "jsonrpc framing error: " + e.Reason }

// maxBodyBytes bounds a single frame's body to guard against a
// misbehaving peer claiming an enormous Content-Length.
const maxBodyBytes = 64 << 20 // 64MB; LSP payloads (hover docs, code actions) can be large.

// Transport is a framed reader/writer pair for JSON-RPC over a byte
// stream. It is deliberately unaware of request/response correlation;
// that is the Router's job. Grounded on the teacher's Transport
// (internal/lsp/jsonrpc.go), generalized from a single blocking
// request/response cycle to independent read and write sides so the
// Router can keep many requests in flight concurrently.
type Transport struct {
	r      *bufio.Reader
	w      io.Writer
	writeMu sync.Mutex
	closer io.Closer
}

// NewTransport builds a Transport reading frames from r and writing
// frames to w. If c is non-nil, Close closes it.
func NewTransport(r io.Reader, w io.Writer, c io.Closer) *Transport {
	return &Transport{r: bufio.NewReader(r), w: w, closer: c}
}

// ReadMessage reads and decodes one framed JSON-RPC message.
// Returns io.EOF on a clean stream close, *FramingError otherwise.
func (t *Transport) ReadMessage() (Message, error) {
	contentLength := -1

	for {
		line, err := t.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return Message{}, io.EOF
			}
			return Message{}, &FramingError{Reason: fmt.Sprintf("reading header: %v", err)}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // blank line terminates the header block
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Message{}, &FramingError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue // unknown headers (e.g. Content-Type) are ignored
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 || n > maxBodyBytes {
			return Message{}, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", value)}
		}
		contentLength = n
	}

	if contentLength < 0 {
		return Message{}, &FramingError{Reason: "missing Content-Length header"}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, &FramingError{Reason: "truncated body"}
		}
		return Message{}, &FramingError{Reason: fmt.Sprintf("reading body: %v", err)}
	}

	return Decode(body)
}

// WriteMessage encodes and writes one framed JSON-RPC message.
// Safe for concurrent use; writes from different goroutines are
// serialized so frames never interleave (spec.md §5, "the single
// serialization point").
func (t *Transport) WriteMessage(m Message) error {
	body, err := Encode(m)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(t.w, header); err != nil {
		return err
	}
	_, err = t.w.Write(body)
	return err
}

// Close closes the underlying stream, if one was supplied.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
