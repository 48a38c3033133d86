/*Package comm provides TCP communication with lab data servers that speak
line-oriented ASCII protocols.

Most usages of this package boil down to:
 1. create a Device with the server's address and a per-request timeout
 2. Open it, which dials with an exponential backoff
 3. exchange commands with SendLine/RecvLine or SendRecv
 4. for servers that interleave a binary stream on the same connection,
    drain it with ReadAvailable between commands

A Device is not safe for concurrent use; callers serialize access.
*/
package comm

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

const terminator = byte('\n')

var (
	// ErrNotConnected is generated when the device is used before Open
	// or after Close.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTimeout is generated when the remote does not produce a full
	// reply within the device's timeout.
	ErrTimeout = errors.New("timed out waiting for reply from remote")
)

// Device is a TCP connection to a remote data server.
type Device struct {
	// Addr is the host:port of the remote server.
	Addr string

	// Timeout bounds each send or receive.
	Timeout time.Duration

	conn net.Conn
}

// NewDevice creates a new Device.  The connection is not opened.
func NewDevice(addr string, timeout time.Duration) *Device {
	return &Device{Addr: addr, Timeout: timeout}
}

// Open dials the remote, retrying with an exponential backoff.  Some data
// servers refuse connections briefly while a previous client's socket is
// torn down, so a refused connection is retried; a timeout is not.
func (d *Device) Open() error {
	wasTimeout := false
	op := func() error {
		conn, err := net.DialTimeout("tcp", d.Addr, d.Timeout)
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		d.conn = conn
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return err
	}
	if wasTimeout || d.conn == nil {
		return fmt.Errorf("connection timeout to %s", d.Addr)
	}
	return nil
}

// Close closes the connection, nil-ing the conn variable.
func (d *Device) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Connected returns true if the device has an open connection.
func (d *Device) Connected() bool {
	return d.conn != nil
}

// SendLine writes one command to the remote, appending the terminator.
// The write is retried until the full command has been transmitted.
func (d *Device) SendLine(cmd string) error {
	if d.conn == nil {
		return ErrNotConnected
	}
	b := append([]byte(cmd), terminator)
	d.conn.SetWriteDeadline(time.Now().Add(d.Timeout))
	for len(b) > 0 {
		n, err := d.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// RecvLine reads one terminator-delimited reply from the remote and
// strips the terminator.  It reads a byte at a time so that binary data
// following the reply on the same connection is left untouched.
func (d *Device) RecvLine() (string, error) {
	if d.conn == nil {
		return "", ErrNotConnected
	}
	d.conn.SetReadDeadline(time.Now().Add(d.Timeout))
	var line []byte
	one := make([]byte, 1)
	for {
		_, err := d.conn.Read(one)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return "", ErrTimeout
			}
			return "", err
		}
		if one[0] == terminator {
			return string(line), nil
		}
		line = append(line, one[0])
	}
}

// SendRecv sends one command and returns the single-line reply.
func (d *Device) SendRecv(cmd string) (string, error) {
	if err := d.SendLine(cmd); err != nil {
		return "", err
	}
	return d.RecvLine()
}

// ReadAvailable reads whatever bytes the remote has already sent into
// buf, waiting at most wait for the first of them.  It returns the number
// of bytes read; a quiet remote yields (0, nil) rather than an error.
func (d *Device) ReadAvailable(buf []byte, wait time.Duration) (int, error) {
	if d.conn == nil {
		return 0, ErrNotConnected
	}
	total := 0
	d.conn.SetReadDeadline(time.Now().Add(wait))
	for total < len(buf) {
		n, err := d.conn.Read(buf[total:])
		total += n
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return total, nil
			}
			return total, err
		}
		// once data is flowing, only drain what is already queued
		d.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	}
	return total, nil
}
