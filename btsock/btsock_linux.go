//go:build linux
// +build linux

package btsock

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Real AF_UNIX socketpairs for drivers that exchange descriptors with
// external processes. SOCK_SEQPACKET matches the framing of a Bluetooth
// link socket; SOCK_STREAM matches a local-audio socket.

// Socketpair creates a connected AF_UNIX SOCK_SEQPACKET pair.
func Socketpair() (net.Conn, net.Conn, error) {
	return socketpair(unix.SOCK_SEQPACKET, "seqpacket")
}

// StreamSocketpair creates a connected AF_UNIX SOCK_STREAM pair.
func StreamSocketpair() (net.Conn, net.Conn, error) {
	return socketpair(unix.SOCK_STREAM, "stream")
}

func socketpair(kind int, name string) (net.Conn, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, kind|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair(%s): %w", name, err)
	}

	f0 := os.NewFile(uintptr(fds[0]), name+"-0")
	f1 := os.NewFile(uintptr(fds[1]), name+"-1")
	defer f0.Close()
	defer f1.Close()

	c0, err := net.FileConn(f0)
	if err != nil {
		f1.Close()
		return nil, nil, fmt.Errorf("socketpair(%s): %w", name, err)
	}
	c1, err := net.FileConn(f1)
	if err != nil {
		c0.Close()
		return nil, nil, fmt.Errorf("socketpair(%s): %w", name, err)
	}
	return c0, c1, nil
}
