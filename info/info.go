// Package info implements the text info protocol used for cluster
// introspection.  Requests carry a list of command names, responses come
// back as name/value pairs which the cluster core tokenizes further.
package info

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	protoVersion = 2
	msgTypeInfo  = 1

	// Responses are bounded to keep a misbehaving peer from making us
	// allocate unbounded buffers.  Partition bitmaps for a large namespace
	// count still fit comfortably.
	maxResponseSize = 16 * 1024 * 1024
)

var (
	ErrInvalidProtocolHeader = errors.New("info: invalid protocol header")
	ErrResponseTooLarge      = errors.New("info: response exceeds maximum size")
	ErrAuthFailed            = errors.New("info: authentication rejected by server")
)

// Request issues one round of info commands over conn and returns the
// parsed name -> value pairs.  The deadline bounds the full exchange.
func Request(conn net.Conn, deadline time.Time, names ...string) (map[string]string, error) {
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "info: failed to set deadline")
		}
	}

	if err := writeRequest(conn, names); err != nil {
		return nil, err
	}

	body, err := readResponse(conn)
	if err != nil {
		return nil, err
	}

	return parseResponse(body), nil
}

// RequestSingle issues a single command and returns its value directly.
func RequestSingle(conn net.Conn, deadline time.Time, name string) (string, error) {
	values, err := Request(conn, deadline, name)
	if err != nil {
		return "", err
	}

	value, ok := values[name]
	if !ok {
		return "", errors.Errorf("info: server response missing %q", name)
	}

	return value, nil
}

// Authenticate performs the credential handshake on a fresh connection.
// Servers without security enabled ignore the exchange, so this is only
// invoked when credentials are configured.
func Authenticate(conn net.Conn, deadline time.Time, user, password string) error {
	cmd := fmt.Sprintf("login:user=%s;password=%s", user, password)

	value, err := RequestSingle(conn, deadline, cmd)
	if err != nil {
		return err
	}

	if !strings.EqualFold(strings.TrimSpace(value), "ok") {
		return ErrAuthFailed
	}

	return nil
}

// ReadRequest reads one framed request and returns the command names it
// carries.  Used by server-side tooling and the test harness.
func ReadRequest(r io.Reader) ([]string, error) {
	body, err := readResponse(r)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, name := range strings.Split(body, "\n") {
		if name != "" {
			names = append(names, name)
		}
	}

	return names, nil
}

// WriteResponse writes name/value pairs as one framed response, one
// `name\tvalue` line per requested command in the given order.
func WriteResponse(w io.Writer, names []string, values map[string]string) error {
	var body strings.Builder
	for _, name := range names {
		body.WriteString(name)
		body.WriteByte('\t')
		body.WriteString(values[name])
		body.WriteByte('\n')
	}

	buf := make([]byte, 8+body.Len())
	putHeader(buf, uint64(body.Len()))
	copy(buf[8:], body.String())

	_, err := w.Write(buf)
	if err != nil {
		return errors.Wrap(err, "info: failed to write response")
	}

	return nil
}

func writeRequest(w io.Writer, names []string) error {
	var body strings.Builder
	for _, name := range names {
		body.WriteString(name)
		body.WriteByte('\n')
	}

	buf := make([]byte, 8+body.Len())
	putHeader(buf, uint64(body.Len()))
	copy(buf[8:], body.String())

	_, err := w.Write(buf)
	if err != nil {
		return errors.Wrap(err, "info: failed to write request")
	}

	return nil
}

func readResponse(r io.Reader) (string, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", errors.Wrap(err, "info: failed to read response header")
	}

	if header[0] != protoVersion || header[1] != msgTypeInfo {
		return "", ErrInvalidProtocolHeader
	}

	size := parseHeaderSize(header)
	if size > maxResponseSize {
		return "", ErrResponseTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", errors.Wrap(err, "info: failed to read response body")
	}

	return string(body), nil
}

// putHeader writes the 8-byte frame header: version, message type, and a
// 48-bit big-endian body length.
func putHeader(buf []byte, size uint64) {
	binary.BigEndian.PutUint64(buf[:8], size)
	buf[0] = protoVersion
	buf[1] = msgTypeInfo
}

func parseHeaderSize(header [8]byte) uint64 {
	raw := binary.BigEndian.Uint64(header[:])
	return raw & 0x0000ffffffffffff
}

// parseResponse splits the response body into name -> value pairs.  Each
// line is `name\tvalue` terminated by a newline; lines without a tab map
// the name to an empty value.
func parseResponse(body string) map[string]string {
	values := make(map[string]string)

	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}

		name, value, found := strings.Cut(line, "\t")
		if !found {
			values[name] = ""
			continue
		}

		values[name] = value
	}

	return values
}
