package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nextlevelbuilder/topiclaw/internal/opencode"
)

const (
	portProbeTimeout    = time.Second
	sessionProbeTimeout = 3 * time.Second
)

// IsPortAlive reports whether anything accepts TCP connections on the port.
func IsPortAlive(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), portProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// IsSessionAlive reports whether the agent on the port still knows the session.
func IsSessionAlive(ctx context.Context, port int, sessionID string) bool {
	client := opencode.NewClient(fmt.Sprintf("http://127.0.0.1:%d", port), opencode.WithMaxRetries(0))
	probeCtx, cancel := context.WithTimeout(ctx, sessionProbeTimeout)
	defer cancel()
	_, err := client.GetSession(probeCtx, sessionID)
	return err == nil
}
