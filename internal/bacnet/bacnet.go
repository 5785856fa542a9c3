// Package bacnet defines the BACnet client contract (C1) used by the
// Collection Cycle Manager to read meter registers, plus a pooled UDP
// implementation.
//
// Socket pooling is grounded on probe.ProbeManager's semaphore-bounded
// worker pattern in the teacher: a bounded channel of reusable sockets
// plays the same role there did a bounded channel of worker slots.
package bacnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ReadStatus classifies the outcome of a single property read.
type ReadStatus string

const (
	StatusOK            ReadStatus = "OK"
	StatusTimeout       ReadStatus = "TIMEOUT"
	StatusUnreachable   ReadStatus = "UNREACHABLE"
	StatusProtocolError ReadStatus = "PROTOCOL_ERROR"
	StatusValueParse    ReadStatus = "VALUE_PARSE"
)

// ReadRequest identifies one property to read.
type ReadRequest struct {
	ObjectType string
	Instance   uint32
	Property   string
}

// ReadResult is the outcome of one ReadRequest.
type ReadResult struct {
	Status ReadStatus
	Value  float64
	Err    error
}

// Client is the contract the Collection Cycle Manager depends on. The real
// implementation talks BACnet/IP over UDP; tests substitute a fake.
type Client interface {
	// ReadProperty performs a single blocking property read.
	ReadProperty(ctx context.Context, host string, port int, req ReadRequest, timeout time.Duration) ReadResult
	// ReadPropertyMultiple performs an array-aligned batch read; partial
	// failure within the batch is permitted.
	ReadPropertyMultiple(ctx context.Context, host string, port int, reqs []ReadRequest, timeout time.Duration) []ReadResult
}

// UDPClient is a pooled BACnet/IP client. It never panics on a malformed
// frame; malformed responses surface as StatusProtocolError.
type UDPClient struct {
	connectTimeout time.Duration
	sockets        chan *net.UDPConn
}

// NewUDPClient builds a client with a pool of poolSize pre-bound UDP sockets
// on localAddr (empty string binds an ephemeral port on the default
// interface).
func NewUDPClient(localAddr string, poolSize int, connectTimeout time.Duration) (*UDPClient, error) {
	if poolSize <= 0 {
		poolSize = 8
	}
	c := &UDPClient{
		connectTimeout: connectTimeout,
		sockets:        make(chan *net.UDPConn, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		addr, err := net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("resolve local bacnet addr: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open bacnet socket %d/%d: %w", i+1, poolSize, err)
		}
		c.sockets <- conn
	}
	return c, nil
}

// Close releases every pooled socket.
func (c *UDPClient) Close() {
	for {
		select {
		case conn := <-c.sockets:
			_ = conn.Close()
		default:
			return
		}
	}
}

func (c *UDPClient) acquire(ctx context.Context) (*net.UDPConn, error) {
	select {
	case conn := <-c.sockets:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *UDPClient) release(conn *net.UDPConn) {
	select {
	case c.sockets <- conn:
	default:
		_ = conn.Close()
	}
}

// ReadProperty implements Client.
func (c *UDPClient) ReadProperty(ctx context.Context, host string, port int, req ReadRequest, timeout time.Duration) ReadResult {
	results := c.ReadPropertyMultiple(ctx, host, port, []ReadRequest{req}, timeout)
	if len(results) == 0 {
		return ReadResult{Status: StatusProtocolError, Err: errors.New("empty response")}
	}
	return results[0]
}

// ReadPropertyMultiple implements Client. Frames are encoded and decoded with
// the minimal fixed-width format in protocol.go, not a full BACnet APDU codec.
func (c *UDPClient) ReadPropertyMultiple(ctx context.Context, host string, port int, reqs []ReadRequest, timeout time.Duration) []ReadResult {
	out := make([]ReadResult, len(reqs))

	remote, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		for i := range out {
			out[i] = ReadResult{Status: StatusUnreachable, Err: err}
		}
		return out
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.acquire(connectCtx)
	if err != nil {
		for i := range out {
			out[i] = ReadResult{Status: StatusTimeout, Err: err}
		}
		return out
	}
	defer c.release(conn)

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		for i := range out {
			out[i] = ReadResult{Status: StatusProtocolError, Err: err}
		}
		return out
	}

	frame, err := encodeReadPropertyMultiple(reqs)
	if err != nil {
		for i := range out {
			out[i] = ReadResult{Status: StatusProtocolError, Err: err}
		}
		return out
	}

	if _, err := conn.WriteToUDP(frame, remote); err != nil {
		for i := range out {
			out[i] = ReadResult{Status: StatusUnreachable, Err: err}
		}
		return out
	}

	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
		for i := range out {
			out[i] = ReadResult{Status: StatusTimeout, Err: err}
		}
		return out
	}
	if err != nil {
		for i := range out {
			out[i] = ReadResult{Status: StatusUnreachable, Err: err}
		}
		return out
	}

	decoded, err := decodeReadPropertyMultipleResponse(buf[:n], len(reqs))
	if err != nil {
		for i := range out {
			out[i] = ReadResult{Status: StatusProtocolError, Err: err}
		}
		return out
	}
	return decoded
}

func isTimeoutErr(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
