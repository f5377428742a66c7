package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Main program for vamp-alsa-host: capture PCM streams
 *		from sound cards and SDR byte streams, run time-domain
 *		plugins over them, and multiplex plugin features,
 *		downsampled or FM-demodulated raw audio, and WAV
 *		recordings out to local consumers - all under a single
 *		poll-driven event loop controlled by a line-oriented
 *		command socket.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

const (
	VERSION             = "2.0.0"
	DEFAULT_SOCKET_PATH = "/tmp/VAH.sock"
	POLL_TIMEOUT_MS     = 2000
)

// run drives the poll loop until quit is requested or poll itself
// fails.  Signal delivery interrupts poll with EINTR, which is how
// SIGINT/SIGTERM get a timely look at the stop channel.
func run(reg *registry_s, sigs <-chan os.Signal) error {
	for {
		select {
		case sig := <-sigs:
			vah_log.Info("terminating on signal", "signal", sig)

			return nil
		default:
		}

		if reg.quit_requested {
			return nil
		}

		var pollErr = reg.poll_once(POLL_TIMEOUT_MS)
		if pollErr == unix.EINTR {
			continue
		}
		if pollErr != nil {
			return fmt.Errorf("poll failed: %w", pollErr)
		}
	}
}

func VampAlsaHostMain() {
	var socket_path = pflag.StringP("socket", "s", DEFAULT_SOCKET_PATH, "Path of the unix-domain control socket.")
	var tcp_port = pflag.IntP("port", "p", 0, "Also listen for control connections on this localhost TCP port (0 disables).")
	var quiet = pflag.BoolP("quiet", "q", false, "Suppress the welcome banner on new connections.")
	var config_file = pflag.StringP("config", "c", "", "YAML boot configuration file.")
	var debug = pflag.BoolP("debug", "d", false, "Verbose logging.")
	var help = pflag.BoolP("help", "h", false, "Print usage and exit.")
	pflag.Parse()

	if *help {
		fmt.Fprintf(os.Stderr, "usage: vamp-alsa-host [-s SOCKPATH] [-p PORT] [-q] [-c CONFIG] [-d]\n")
		pflag.PrintDefaults()
		os.Exit(0)
	}

	set_log_level(*debug)

	var cfg *boot_config_s
	if *config_file != "" {
		var cfgErr error
		cfg, cfgErr = load_boot_config(*config_file)
		if cfgErr != nil {
			vah_log.Fatal("bad configuration", "error", cfgErr)
		}
		if cfg.Socket != "" && !pflag.CommandLine.Changed("socket") {
			*socket_path = cfg.Socket
		}
		if cfg.Port != 0 && !pflag.CommandLine.Changed("port") {
			*tcp_port = cfg.Port
		}
		if cfg.Quiet {
			*quiet = true
		}
	}

	var reg = new_registry(*quiet)

	var _, lisErr = new_vah_listener_unix(reg, *socket_path, "CmdListener")
	if lisErr != nil {
		vah_log.Fatal("could not create control listener", "error", lisErr)
	}

	if *tcp_port != 0 {
		if _, tcpErr := new_vah_listener_tcp(reg, *tcp_port, "CmdListenerTCP"); tcpErr != nil {
			vah_log.Fatal("could not create TCP control listener", "error", tcpErr)
		}
	}

	if cfg != nil {
		apply_boot_devices(reg, cfg)
	}

	var sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)

	var runErr = run(reg, sigs)

	// orderly exit: every participant's cleanup runs, closing devices,
	// finalizing sockets and file descriptors
	reg.shutdown()

	if runErr != nil {
		vah_log.Error("exiting", "error", runErr)
		os.Exit(1)
	}
	os.Exit(0)
}
