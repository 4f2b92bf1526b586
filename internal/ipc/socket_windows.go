//go:build windows

package ipc

import (
	"net"

	"github.com/Microsoft/go-winio"
)

func listen(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

func dial(path string) (net.Conn, error) {
	return winio.DialPipe(path, nil)
}

func cleanup(path string) {
	// Named pipes vanish with their listener.
}
