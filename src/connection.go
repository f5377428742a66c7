package vah

/*------------------------------------------------------------------
 *
 * Purpose:	A command connection: one accepted stream socket
 *		carrying newline-terminated commands in and JSON
 *		replies (plus any subscribed plugin or raw audio
 *		output) back.
 *
 *		The input buffer is trimmed from the front whenever a
 *		newline has not yet arrived, so a client spewing
 *		garbage cannot grow it without bound.  A connection
 *		subscribed to raw audio trades its small reply ring for
 *		one large enough to ride out scheduling gaps.
 *
 *------------------------------------------------------------------*/

import (
	"bytes"
	"encoding/json"

	"golang.org/x/sys/unix"
)

const (
	MAX_CMD_STRING_LENGTH  = 512    // longest unterminated input we retain
	RAW_OUTPUT_BUFFER_SIZE = 524288 // ring capacity while streaming raw audio
)

const welcome_banner = "{\"message\":\"Welcome to vamp-alsa-host. Type 'help' for help.\"," +
	"\"version\":\"" + VERSION + "\"}\n"

type tcp_connection_s struct {
	pollable_common_s

	input_buff     []byte
	raw_output     bool
	output_paused  bool
	time_connected float64

	read_scratch [MAX_CMD_STRING_LENGTH]byte
}

func new_tcp_connection(reg *registry_s, fd int, label string, time_now float64) *tcp_connection_s {
	var conn = &tcp_connection_s{time_connected: time_now}
	conn.init_common(reg, label, DEFAULT_OUTPUT_BUFFER_SIZE)
	conn.fd = fd
	conn.events = unix.POLLIN | unix.POLLRDHUP

	if !reg.quiet {
		conn.queue_output([]byte(welcome_banner), 0)
	}

	return conn
}

// set_raw_output switches the egress ring between command-reply size and
// raw-audio size.  Switching discards anything queued.
func (conn *tcp_connection_s) set_raw_output(yesno bool) {
	conn.raw_output = yesno
	if yesno {
		conn.output.set_capacity(RAW_OUTPUT_BUFFER_SIZE)
	} else {
		conn.output.set_capacity(DEFAULT_OUTPUT_BUFFER_SIZE)
	}
}

func (conn *tcp_connection_s) handle_events(pollfds []unix.PollFd, timed_out bool, time_now float64) {
	if len(pollfds) == 0 {
		return
	}

	if pollfds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		conn.reg.remove(conn.label)
		conn.reg.request_pollfd_regen()

		return
	}

	if pollfds[0].Revents&(unix.POLLIN|unix.POLLRDHUP) != 0 {
		var n, readErr = unix.Read(conn.fd, conn.read_scratch[:])
		if readErr != nil && readErr != unix.EAGAIN && readErr != unix.EINTR {
			n = 0
		}
		if n <= 0 && readErr != unix.EAGAIN && readErr != unix.EINTR {
			// peer has closed; removing ourselves closes the fd
			conn.reg.remove(conn.label)
			conn.reg.request_pollfd_regen()

			return
		}
		if n > 0 {
			conn.input_buff = append(conn.input_buff, conn.read_scratch[:n]...)
			conn.drain_commands()
		}
	}

	if pollfds[0].Revents&unix.POLLOUT != 0 && !conn.output_paused {
		conn.write_some(conn.output.size())
	}
}

// drain_commands executes every complete line in the input buffer, in
// arrival order, queueing each reply.
func (conn *tcp_connection_s) drain_commands() {
	for {
		var pos = bytes.IndexByte(conn.input_buff, '\n')
		if pos < 0 {
			// no complete command; bound the buffer
			if len(conn.input_buff) > MAX_CMD_STRING_LENGTH {
				conn.input_buff = conn.input_buff[len(conn.input_buff)-MAX_CMD_STRING_LENGTH:]
			}

			return
		}

		var cmd = string(bytes.TrimRight(conn.input_buff[:pos], "\r"))
		conn.input_buff = conn.input_buff[pos+1:]

		var reply = run_command(conn.reg, cmd, conn.label)
		if reply != "" {
			conn.queue_output([]byte(reply), 0)
		}
	}
}

// stop pauses output draining; queued and newly queued bytes are held
// until start.
func (conn *tcp_connection_s) stop(time_now float64) {
	conn.output_paused = true
}

func (conn *tcp_connection_s) start(time_now float64) error {
	conn.output_paused = false

	return nil
}

func (conn *tcp_connection_s) to_json() string {
	var js, _ = json.Marshal(struct {
		Type           string  `json:"type"`
		FileDescriptor int     `json:"fileDescriptor"`
		RawOutput      bool    `json:"rawOutput"`
		TimeConnected  float64 `json:"timeConnected"`
	}{
		Type:           "TCPConnection",
		FileDescriptor: conn.fd,
		RawOutput:      conn.raw_output,
		TimeConnected:  conn.time_connected,
	})

	return string(js)
}
