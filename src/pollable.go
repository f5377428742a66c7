package vah

/*------------------------------------------------------------------
 *
 * Purpose:	The Pollable framework: a registry of heterogeneous
 *		participants multiplexed under a single poll(2) loop.
 *
 *		Each participant owns zero or more file descriptors and
 *		an egress ring buffer.  The registry builds one flat
 *		pollfd array from all participants, runs poll(), then
 *		dispatches events back to each participant in insertion
 *		order.  Mutations that arrive while dispatch is in
 *		progress are deferred and applied before the next
 *		rebuild, so a participant may remove itself (or others)
 *		from inside its own event handler.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const DEFAULT_OUTPUT_BUFFER_SIZE = 16384 // egress ring for command replies

// Pollable is a participant in the event loop.
type Pollable interface {
	get_label() string

	// get_num_poll_fds returns how many pollfd slots this participant
	// wants in the next cycle; zero means "do not dispatch to me".
	get_num_poll_fds() int

	// get_poll_fds fills pollfds (whose length is the value returned by
	// get_num_poll_fds) with descriptors and desired event masks.
	get_poll_fds(pollfds []unix.PollFd) error

	// handle_events is called once per poll cycle with this
	// participant's slice of the pollfd array.  timed_out is true when
	// poll() returned without any event; time_now is monotonic.
	handle_events(pollfds []unix.PollFd, timed_out bool, time_now float64)

	// queue_output appends bytes to the egress ring.  frame_timestamp
	// is the realtime timestamp of the first frame in p, meaningful
	// only to participants that care (the WAV writer); others ignore
	// it.  Returns false if p does not fit, in which case nothing is
	// queued and the caller drops the data.
	queue_output(p []byte, frame_timestamp float64) bool

	start(time_now float64) error
	stop(time_now float64)

	// to_json returns a one-line JSON self-description.
	to_json() string

	// cleanup closes owned file descriptors.  Called exactly once, on
	// removal from the registry or at termination.
	cleanup()
}

/*
 * pollable_common_s carries the state shared by every participant: its
 * label, its (single) primary FD, the desired event mask for that FD, and
 * the egress ring.  Participants with unusual FD arrangements (the ALSA
 * backend can surface several) override the get_*_poll_fds methods.
 */

type pollable_common_s struct {
	label  string
	reg    *registry_s
	fd     int // primary fd; -1 when none
	events int16
	output *circbuf_t
}

func (pc *pollable_common_s) init_common(reg *registry_s, label string, bufsize int) {
	pc.label = label
	pc.reg = reg
	pc.fd = -1
	pc.output = new_circbuf(bufsize)
}

func (pc *pollable_common_s) get_label() string {
	return pc.label
}

func (pc *pollable_common_s) get_num_poll_fds() int {
	if pc.fd >= 0 {
		return 1
	}

	return 0
}

func (pc *pollable_common_s) get_poll_fds(pollfds []unix.PollFd) error {
	pollfds[0] = unix.PollFd{Fd: int32(pc.fd), Events: pc.events}

	return nil
}

// queue_output is the default egress path: refuse-whole-write, then raise
// write interest so the next poll cycle drains the ring.
func (pc *pollable_common_s) queue_output(p []byte, frame_timestamp float64) bool {
	_ = frame_timestamp

	if !pc.output.insert(p) {
		return false
	}

	pc.events |= unix.POLLOUT
	pc.reg.set_events(pc.label, 0, pc.events)

	return true
}

// write_some writes up to max_bytes from the egress ring with a single
// non-blocking write on the primary FD.  Only the first contiguous slice
// is written; a later call picks up wrapped bytes.  Returns bytes written,
// or a negative value on write error.  An empty ring clears write
// interest.
func (pc *pollable_common_s) write_some(max_bytes int) int {
	var slice = pc.output.first_slice()
	if len(slice) == 0 {
		pc.events &^= unix.POLLOUT
		pc.reg.set_events(pc.label, 0, pc.events)

		return 0
	}

	if max_bytes < len(slice) {
		slice = slice[:max_bytes]
	}

	var n, writeErr = unix.Write(pc.fd, slice)
	if writeErr != nil {
		if writeErr == unix.EAGAIN || writeErr == unix.EINTR {
			return 0
		}
		pc.events &^= unix.POLLOUT
		pc.reg.set_events(pc.label, 0, pc.events)

		return -1
	}

	if n > 0 {
		pc.output.erase_begin(n)
	}

	return n
}

func (pc *pollable_common_s) cleanup() {
	if pc.fd >= 0 {
		unix.Close(pc.fd)
		pc.fd = -1
	}
}

/*
 * The registry.
 */

type registry_s struct {
	pollables    map[string]Pollable
	order        []string // insertion order; dispatch order
	pollfds      []unix.PollFd
	first_pollfd map[string]int // label -> index of first pollfd slot

	deferred_removes []string
	regen_pollfds    bool
	have_deferrals   bool
	doing_poll       bool
	terminating      bool
	quit_requested   bool

	control_conn            string // label of the connection receiving async messages
	default_output_listener string // label auto-subscribed to new plugin runners

	quiet bool // suppress connection welcome banner
}

func new_registry(quiet bool) *registry_s {
	return &registry_s{
		pollables:     make(map[string]Pollable),
		first_pollfd:  make(map[string]int),
		regen_pollfds: true,
		quiet:         quiet,
	}
}

// add inserts a participant.  Labels are unique; inserting a duplicate is
// a conflict error and leaves the registry unchanged.
func (reg *registry_s) add(p Pollable) error {
	var label = p.get_label()
	if _, exists := reg.pollables[label]; exists {
		return fmt.Errorf("there is already a device, plugin or connection with label '%s'", label)
	}

	reg.pollables[label] = p
	reg.order = append(reg.order, label)
	reg.regen_pollfds = true

	return nil
}

// remove drops a participant by label.  During a poll cycle the removal
// is deferred until dispatch finishes; otherwise it is immediate.
func (reg *registry_s) remove(label string) {
	if _, exists := reg.pollables[label]; !exists {
		return
	}

	if reg.doing_poll {
		reg.deferred_removes = append(reg.deferred_removes, label)
		reg.have_deferrals = true

		return
	}

	reg.remove_now(label)
}

func (reg *registry_s) remove_now(label string) {
	var p, exists = reg.pollables[label]
	if !exists {
		return
	}

	delete(reg.pollables, label)
	for i, l := range reg.order {
		if l == label {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)

			break
		}
	}
	delete(reg.first_pollfd, label)

	if reg.control_conn == label {
		reg.control_conn = ""
	}
	if reg.default_output_listener == label {
		reg.default_output_listener = ""
	}

	p.cleanup()
	reg.regen_pollfds = true
}

func (reg *registry_s) lookup(label string) Pollable {
	return reg.pollables[label]
}

func (reg *registry_s) request_pollfd_regen() {
	reg.regen_pollfds = true
}

// set_events updates the desired event mask of a participant's pollfd
// slot.  When the participant is in the active array the slot is patched
// directly, so interest changes take effect without a rebuild.
func (reg *registry_s) set_events(label string, offset int, events int16) {
	var idx, ok = reg.first_pollfd[label]
	if !ok || idx+offset >= len(reg.pollfds) {
		reg.regen_pollfds = true

		return
	}
	reg.pollfds[idx+offset].Events = events
}

func (reg *registry_s) regen_fds() {
	if !reg.regen_pollfds {
		return
	}
	reg.regen_pollfds = false

	reg.pollfds = reg.pollfds[:0]
	reg.first_pollfd = make(map[string]int)

	for _, label := range reg.order {
		var p = reg.pollables[label]
		var n = p.get_num_poll_fds()
		if n <= 0 {
			continue
		}

		var where = len(reg.pollfds)
		for i := 0; i < n; i++ {
			reg.pollfds = append(reg.pollfds, unix.PollFd{Fd: -1})
		}
		if fdErr := p.get_poll_fds(reg.pollfds[where : where+n]); fdErr != nil {
			vah_log.Error("could not collect poll descriptors", "label", label, "error", fdErr)
			reg.pollfds = reg.pollfds[:where]

			continue
		}
		reg.first_pollfd[label] = where
	}
}

func (reg *registry_s) do_deferrals() {
	if !reg.have_deferrals {
		return
	}
	reg.have_deferrals = false
	reg.regen_pollfds = true

	var removes = reg.deferred_removes
	reg.deferred_removes = nil
	for _, label := range removes {
		reg.remove_now(label)
	}
}

// poll_once runs one cycle: rebuild the pollfd array if stale, poll with
// the given timeout, then dispatch to every registered participant that
// holds pollfd slots.  Participants are visited in insertion order using
// the pre-regeneration array even if one of them requests a rebuild
// mid-cycle.
func (reg *registry_s) poll_once(timeout_ms int) error {
	reg.regen_fds()

	var rv, pollErr = unix.Poll(reg.pollfds, timeout_ms)
	if pollErr != nil {
		return pollErr
	}

	var timed_out = rv == 0
	var time_now = now_monotonic()

	reg.doing_poll = true

	// dispatch against a snapshot of the order: participants added
	// mid-cycle wait for the next one.
	var snapshot = make([]string, len(reg.order))
	copy(snapshot, reg.order)

	for _, label := range snapshot {
		var p, exists = reg.pollables[label]
		if !exists {
			continue
		}
		var idx, polled = reg.first_pollfd[label]
		if !polled {
			continue
		}
		var n = idx + p.get_num_poll_fds()
		if n > len(reg.pollfds) {
			n = len(reg.pollfds)
		}
		p.handle_events(reg.pollfds[idx:n], timed_out, time_now)
	}

	reg.doing_poll = false
	reg.do_deferrals()

	return nil
}

// async_msg queues a newline-terminated line on the designated control
// connection, if one exists.  Devices and writers use this to report
// stalls, file completion and errors.
func (reg *registry_s) async_msg(text string) {
	if reg.control_conn == "" {
		return
	}
	var p = reg.lookup(reg.control_conn)
	if p == nil {
		reg.control_conn = ""

		return
	}
	p.queue_output(append([]byte(text), '\n'), 0)
}

func (reg *registry_s) have_control_conn() bool {
	return reg.control_conn != ""
}

func (reg *registry_s) set_control_conn(label string) {
	reg.control_conn = label
}

// shutdown closes every participant.  The terminating flag suppresses
// cross-removal from participants' cleanup paths.
func (reg *registry_s) shutdown() {
	reg.terminating = true
	for _, label := range reg.order {
		reg.pollables[label].cleanup()
	}
	reg.pollables = make(map[string]Pollable)
	reg.order = nil
	reg.first_pollfd = make(map[string]int)
}
