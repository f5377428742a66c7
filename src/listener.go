package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Listening sockets for the command protocol.
 *
 *		The primary control surface is a unix-domain stream
 *		socket at a caller-chosen path.  An optional TCP
 *		listener on localhost can be enabled for controllers
 *		that cannot reach the filesystem socket; when it is, the
 *		port is announced over DNS-SD so controllers can find
 *		it without configuration.
 *
 *		Each accepted connection becomes its own pollable with
 *		a synthesized label.  The first connection accepted
 *		while no control connection is designated becomes the
 *		control connection, receiving async device and file
 *		events.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const LISTEN_BACKLOG = 5

type vah_listener_s struct {
	pollable_common_s

	socket_name string // filesystem path, or "tcp:PORT"
	is_unix     bool
}

// new_vah_listener_unix binds the unix-domain control socket.  A stale
// socket file from a previous run is removed first.
func new_vah_listener_unix(reg *registry_s, socket_path string, label string) (*vah_listener_s, error) {
	var lis = &vah_listener_s{socket_name: socket_path, is_unix: true}
	lis.init_common(reg, label, DEFAULT_OUTPUT_BUFFER_SIZE)

	var fd, sockErr = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if sockErr != nil {
		return nil, fmt.Errorf("error opening control socket: %w", sockErr)
	}

	os.Remove(socket_path)

	if bindErr := unix.Bind(fd, &unix.SockaddrUnix{Name: socket_path}); bindErr != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("error binding control socket %s: %w", socket_path, bindErr)
	}
	if listenErr := unix.Listen(fd, LISTEN_BACKLOG); listenErr != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("error listening on control socket %s: %w", socket_path, listenErr)
	}

	lis.fd = fd
	lis.events = unix.POLLIN | unix.POLLPRI

	if addErr := reg.add(lis); addErr != nil {
		unix.Close(fd)

		return nil, addErr
	}

	vah_log.Info("listening", "socket", socket_path)

	return lis, nil
}

// new_vah_listener_tcp binds a localhost TCP control port.
func new_vah_listener_tcp(reg *registry_s, port int, label string) (*vah_listener_s, error) {
	if port <= 0 || port > 65535 {
		return nil, errors.New("invalid control port")
	}

	var lis = &vah_listener_s{socket_name: fmt.Sprintf("tcp:%d", port)}
	lis.init_common(reg, label, DEFAULT_OUTPUT_BUFFER_SIZE)

	var fd, sockErr = unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if sockErr != nil {
		return nil, fmt.Errorf("error opening control socket: %w", sockErr)
	}

	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var addr = unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}
	if bindErr := unix.Bind(fd, &addr); bindErr != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("error binding control port %d: %w", port, bindErr)
	}
	if listenErr := unix.Listen(fd, LISTEN_BACKLOG); listenErr != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("error listening on control port %d: %w", port, listenErr)
	}

	lis.fd = fd
	lis.events = unix.POLLIN | unix.POLLPRI

	if addErr := reg.add(lis); addErr != nil {
		unix.Close(fd)

		return nil, addErr
	}

	vah_log.Info("listening", "port", port)
	dns_sd_announce(port)

	return lis, nil
}

func (lis *vah_listener_s) handle_events(pollfds []unix.PollFd, timed_out bool, time_now float64) {
	if len(pollfds) == 0 || pollfds[0].Revents&(unix.POLLIN|unix.POLLPRI) == 0 {
		return
	}

	var conn_fd, _, acceptErr = unix.Accept4(lis.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if acceptErr != nil {
		return
	}

	var label = fmt.Sprintf("Socket#%d", conn_fd)
	var conn = new_tcp_connection(lis.reg, conn_fd, label, time_now)
	if addErr := lis.reg.add(conn); addErr != nil {
		unix.Close(conn_fd)

		return
	}
	lis.reg.request_pollfd_regen()

	if !lis.reg.have_control_conn() {
		lis.reg.set_control_conn(label)
	}

	vah_log.Debug("accepted connection", "label", label)
}

func (lis *vah_listener_s) start(time_now float64) error {
	return nil
}

func (lis *vah_listener_s) stop(time_now float64) {
}

func (lis *vah_listener_s) to_json() string {
	var js, _ = json.Marshal(struct {
		Type   string `json:"type"`
		Socket string `json:"socket"`
	}{
		Type:   "TCPListener",
		Socket: lis.socket_name,
	})

	return string(js)
}

func (lis *vah_listener_s) cleanup() {
	lis.pollable_common_s.cleanup()
	if lis.is_unix {
		os.Remove(lis.socket_name)
	}
}
