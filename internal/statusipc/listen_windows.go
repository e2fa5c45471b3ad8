//go:build windows

package statusipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// SYSTEM and administrators get full control, interactive users read/write.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GRGW;;;IU)"

func listen(path string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	listener, err := winio.ListenPipe(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen pipe %s: %w", path, err)
	}
	return listener, nil
}

func dial(ctx context.Context, path string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("dial pipe %s: %w", path, err)
	}
	return conn, nil
}

func removeSocket(string) {}
