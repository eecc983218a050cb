// Package activation obtains the listening socket for the operator API,
// preferring one passed in by systemd socket activation.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3 (0=stdin, 1=stdout, 2=stderr).
const firstFD = 3

// Listeners returns the systemd-activated listeners.
// It checks LISTEN_PID and LISTEN_FDS and returns nil when no activation is
// present or the activation is meant for another process.
func Listeners() ([]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}

	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, numFDs)
	for i := range numFDs {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// net.FileListener dups the descriptor.
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		listeners = append(listeners, listener)
	}

	// Child processes must not inherit the activation.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the first activated listener when present, otherwise a TCP
// listener on addr. activated reports which of the two was used; extra
// activated sockets are closed.
func Listen(addr string) (l net.Listener, activated bool, err error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		closeAll(listeners[1:])
		return listeners[0], true, nil
	}

	if addr == "" {
		return nil, false, fmt.Errorf("no listen address configured and no activated socket")
	}
	l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
