//go:build !windows

package ipc

import (
	"net"
	"os"
)

// listen binds the Unix socket, clearing a stale file left by a previous
// daemon (the flock singleton guarantees no live listener holds it).
func listen(path string) (net.Listener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		if removeErr := os.Remove(path); removeErr == nil {
			ln, err = net.Listen("unix", path)
		}
	}
	return ln, err
}

func dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}

func cleanup(path string) {
	_ = os.Remove(path)
}
