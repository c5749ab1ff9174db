package utils

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Listener sets per-operation deadlines on every accepted connection.
type Listener struct {
	net.Listener
	Timeout time.Duration
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c, Timeout: l.Timeout}, nil
}

// Conn refreshes its deadline before each read and write.
type Conn struct {
	net.Conn
	Timeout time.Duration
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.Timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// NewListener listens on addr. A zero timeout disables deadlines.
func NewListener(addr string, timeout time.Duration) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return listener, nil
	}
	return &Listener{Listener: listener, Timeout: timeout}, nil
}

func JoinHostPort(host string, port int) string {
	portStr := strconv.Itoa(port)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host + ":" + portStr
	}
	return net.JoinHostPort(host, portStr)
}
