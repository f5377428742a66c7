package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Operational logging for the host.
 *
 *		Protocol replies and async event messages are NOT log
 *		output; they go to connections.  This logger is for the
 *		operator's console: device open/stall/restart, file
 *		rotation, listener lifecycle, and the like.
 *
 *------------------------------------------------------------------*/

import (
	"os"

	"github.com/charmbracelet/log"
)

var vah_log = log.NewWithOptions(os.Stderr, log.Options{
	Prefix: "vamp-alsa-host",
})

func set_log_level(debug bool) {
	if debug {
		vah_log.SetLevel(log.DebugLevel)
	} else {
		vah_log.SetLevel(log.InfoLevel)
	}
}
