package tcpserver

import (
	"net"
	"time"
)

// configureConn disables Nagle's algorithm so small responses leave at once
// and, when keepAlive is positive, turns on keep-alive probes.
func configureConn(conn net.Conn, keepAlive time.Duration) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if err := tc.SetNoDelay(true); err != nil {
		return err
	}

	if keepAlive <= 0 {
		return tc.SetKeepAlive(false)
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	return tc.SetKeepAlivePeriod(keepAlive)
}

// shutdownConn shuts down both directions of conn and closes it.
func shutdownConn(conn net.Conn) error {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
		_ = tc.CloseWrite()
	}
	return conn.Close()
}
