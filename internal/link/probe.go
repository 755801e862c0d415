package link

import (
	"context"
	"fmt"
	"net"
)

// TCPProbe returns a ProbeFunc that dials address ("host:port") and
// closes the connection immediately. A successful dial means DNS,
// routing and the remote listener are all reachable.
func TCPProbe(address string) ProbeFunc {
	var d net.Dialer
	return func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("dial %s: %w", address, err)
		}
		return conn.Close()
	}
}
