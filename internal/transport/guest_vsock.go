package transport

import (
	"fmt"

	"github.com/mdlayher/vsock"
)

// ListenGuest binds the VM agent's AF_VSOCK listener, per spec section
// 4.8a: the guest calls vsock.Listen exactly as the teacher's
// cmd/agent/main.go does for its own vsock fallback path, replacing the
// teacher's internal/pkg/vsock stub (a UDS-based CONNECT-line emulation
// for its disconnected dev environment) with the real kernel transport.
func ListenGuest(port uint32) (*vsock.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: vsock listen on port %d: %w", port, err)
	}
	return l, nil
}

// DialHost connects to a VM agent's listener from the host side, given the
// VM's context id and the agent's bound port.
func DialHost(cid, port uint32) (*vsock.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: vsock dial cid=%d port=%d: %w", cid, port, err)
	}
	return conn, nil
}
