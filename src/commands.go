package vah

/*------------------------------------------------------------------
 *
 * Purpose:	The command dispatcher: a pure function from
 *		(command line, issuing connection label) to a reply,
 *		mutating the registry and device/plugin graph as a
 *		side effect.
 *
 *		One command per line, whitespace-separated arguments;
 *		replies are single-line JSON objects except for 'help'.
 *		Commands which subscribe the issuer to a data stream
 *		reply with nothing, so the stream is not polluted.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

func json_error(format string, args ...interface{}) string {
	var js, _ = json.Marshal(struct {
		Error string `json:"error"`
	}{Error: fmt.Sprintf(format, args...)})

	return string(js) + "\n"
}

func json_message(format string, args ...interface{}) string {
	var js, _ = json.Marshal(struct {
		Message string `json:"message"`
	}{Message: fmt.Sprintf(format, args...)})

	return string(js) + "\n"
}

// parse_params collects trailing [NAME VALUE] pairs.
func parse_params(words []string) (map[string]float32, error) {
	var params = make(map[string]float32)
	for i := 0; i+1 < len(words); i += 2 {
		var val, parseErr = strconv.ParseFloat(words[i+1], 32)
		if parseErr != nil {
			return nil, fmt.Errorf("parameter %s has non-numeric value '%s'", words[i], words[i+1])
		}
		params[words[i]] = float32(val)
	}

	return params, nil
}

func lookup_dev(reg *registry_s, label string) *dev_minder_s {
	var dev, _ = reg.lookup(label).(*dev_minder_s)

	return dev
}

func lookup_plugin(reg *registry_s, label string) *plugin_runner_s {
	var pr, _ = reg.lookup(label).(*plugin_runner_s)

	return pr
}

func run_command(reg *registry_s, cmd_string string, conn_label string) string {
	var real_time_now = now_realtime()

	// the rawFile path template is double-quoted and may contain
	// spaces; split it off before word-splitting the rest
	var quoted = ""
	if qi := strings.IndexByte(cmd_string, '"'); qi >= 0 {
		var rest = cmd_string[qi+1:]
		if qj := strings.IndexByte(rest, '"'); qj >= 0 {
			quoted = rest[:qj]
		}
		cmd_string = cmd_string[:qi]
	}

	var words = strings.Fields(cmd_string)
	if len(words) == 0 {
		return ""
	}
	var word = words[0]
	var args = words[1:]

	switch word {

	case "open":
		if len(args) < 4 {
			return json_error("Error: usage: open LABEL DEV RATE NCHAN")
		}
		var rate, rateErr = strconv.Atoi(args[2])
		var nchan, nchanErr = strconv.Atoi(args[3])
		if rateErr != nil || nchanErr != nil {
			return json_error("Error: RATE and NCHAN must be integers")
		}
		var dev, openErr = get_dev_minder(reg, args[1], rate, nchan, args[0], real_time_now)
		if openErr != nil {
			return json_error("Error: %s", openErr.Error())
		}

		return dev.to_json() + "\n"

	case "close":
		if len(args) < 1 {
			return json_error("Error: usage: close LABEL")
		}
		var dev = lookup_dev(reg, args[0])
		if dev == nil {
			return json_error("Error: '%s' does not specify a known open device", args[0])
		}
		dev.stop(real_time_now)
		var reply = dev.to_json() + "\n"
		reg.remove(args[0])
		reg.request_pollfd_regen()

		return reply

	case "start", "stop":
		if len(args) < 1 {
			return json_error("Error: usage: %s LABEL", word)
		}
		var p = reg.lookup(args[0])
		if p == nil {
			return json_error("Error: '%s' does not specify a known open device", args[0])
		}
		if word == "stop" {
			p.stop(real_time_now)
		} else if startErr := p.start(real_time_now); startErr != nil {
			return json_error("Error: %s", startErr.Error())
		}
		reg.request_pollfd_regen()

		return p.to_json() + "\n"

	case "startAll":
		for _, label := range append([]string(nil), reg.order...) {
			if p := reg.lookup(label); p != nil {
				p.start(real_time_now)
			}
		}
		reg.request_pollfd_regen()

		return json_message("All devices started.")

	case "stopAll":
		for _, label := range append([]string(nil), reg.order...) {
			if p := reg.lookup(label); p != nil {
				p.stop(real_time_now)
			}
		}
		reg.request_pollfd_regen()

		return json_message("All devices stopped.")

	case "status":
		if len(args) < 1 {
			return json_error("Error: usage: status LABEL")
		}
		var p = reg.lookup(args[0])
		if p == nil {
			return json_error("Error: '%s' does not specify a known open device", args[0])
		}

		return p.to_json() + "\n"

	case "list":
		var sb strings.Builder
		sb.WriteString("{")
		for i, label := range reg.order {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "\"%s\":%s", json_escape(label), reg.pollables[label].to_json())
		}
		sb.WriteString("}\n")

		return sb.String()

	case "attach":
		if len(args) < 5 {
			return json_error("Error: usage: attach DEV PLG SO ID OUT [PAR VAL]*")
		}
		var dev_label, plugin_label = args[0], args[1]
		var dev = lookup_dev(reg, dev_label)
		if dev == nil {
			return json_error("Error: there is no device with label '%s'", dev_label)
		}
		if reg.lookup(plugin_label) != nil {
			return json_error("Error: there is already a device or plugin with label '%s'", plugin_label)
		}
		var params, paramErr = parse_params(args[5:])
		if paramErr != nil {
			return json_error("Error: %s", paramErr.Error())
		}
		var pr, newErr = new_plugin_runner(reg, plugin_label, dev_label, dev.rate, dev.num_chan,
			dev.max_sample_abs, args[2], args[3], args[4], params)
		if newErr != nil {
			return json_error("Error: %s", newErr.Error())
		}
		if addErr := reg.add(pr); addErr != nil {
			pr.cleanup()

			return json_error("Error: %s", addErr.Error())
		}
		dev.add_plugin_runner(plugin_label)
		if reg.default_output_listener != "" && !pr.add_output_listener(reg.default_output_listener) {
			// the default output listener no longer exists; forget it
			// so a later connection reusing the label is not surprised
			reg.default_output_listener = ""
		}

		return pr.to_json() + "\n"

	case "detach":
		if len(args) < 1 {
			return json_error("Error: usage: detach PLG")
		}
		var pr = lookup_plugin(reg, args[0])
		if pr == nil {
			return json_error("Error: there is no attached plugin with label '%s'", args[0])
		}
		if dev := lookup_dev(reg, pr.dev_label); dev != nil {
			dev.remove_plugin_runner(args[0])
		}
		reg.remove(args[0])

		return json_message("Plugin %s has been detached.", args[0])

	case "param":
		if len(args) < 1 {
			return json_error("Error: usage: param PLG [PAR VAL]*")
		}
		var pr = lookup_plugin(reg, args[0])
		if pr == nil {
			return json_error("Error: there is no attached plugin with label '%s'", args[0])
		}
		var params, paramErr = parse_params(args[1:])
		if paramErr != nil {
			return json_error("Error: %s", paramErr.Error())
		}
		pr.set_parameters(params)

		return pr.to_json() + "\n"

	case "receive":
		if len(args) < 1 {
			return json_error("Error: usage: receive PLG")
		}
		var pr = lookup_plugin(reg, args[0])
		if pr == nil {
			return json_error("Error: there is no attached plugin with label '%s'", args[0])
		}
		pr.add_output_listener(conn_label)

		return ""

	case "receiveAll":
		for _, label := range reg.order {
			if pr, ok := reg.pollables[label].(*plugin_runner_s); ok {
				pr.add_output_listener(conn_label)
			}
		}
		reg.default_output_listener = conn_label

		return ""

	case "rawStream":
		if len(args) < 3 {
			return json_error("Error: usage: rawStream DEV RATE FMFLAG")
		}
		var dev = lookup_dev(reg, args[0])
		if dev == nil {
			return json_error("Error: '%s' does not specify a known open device", args[0])
		}
		var rate, rateErr = strconv.Atoi(args[1])
		var fmflag, fmErr = strconv.Atoi(args[2])
		if rateErr != nil || fmErr != nil || rate <= 0 {
			return json_error("Error: RATE and FMFLAG must be integers")
		}
		if conn, ok := reg.lookup(conn_label).(*tcp_connection_s); ok {
			conn.set_raw_output(true)
		}
		dev.set_fm_demod(fmflag != 0)
		dev.add_raw_listener(conn_label, int(math.Round(float64(dev.hw_rate)/float64(rate))), true, true)

		return ""

	case "rawStreamOff":
		if len(args) < 1 {
			return json_error("Error: usage: rawStreamOff DEV")
		}
		var dev = lookup_dev(reg, args[0])
		if dev == nil {
			return json_error("Error: '%s' does not specify a known open device", args[0])
		}
		dev.remove_raw_listener(conn_label)

		return ""

	case "rawFile":
		if len(args) < 3 {
			return json_error("Error: usage: rawFile DEV RATE FRAMES \"PATH_TEMPLATE\"")
		}
		var dev = lookup_dev(reg, args[0])
		if dev == nil {
			return json_error("Error: '%s' does not specify a known open device", args[0])
		}
		var rate, rateErr = strconv.Atoi(args[1])
		var frames, framesErr = strconv.Atoi(args[2])
		if rateErr != nil || framesErr != nil || rate <= 0 || frames <= 0 {
			return json_error("Error: RATE and FRAMES must be positive integers")
		}
		if quoted == "" {
			return json_error("Error: invalid path template - did you forget double quotes?")
		}
		var wav_label = args[0] + "_FileWriter"
		if wav, ok := reg.lookup(wav_label).(*wav_file_writer_s); ok {
			// already recording from this device; rotate into a new
			// file without losing queued frames
			wav.resume_with_new_file(quoted)
		} else {
			var wav = new_wav_file_writer(reg, args[0], wav_label, quoted, frames, rate, dev.effective_channels())
			if addErr := reg.add(wav); addErr != nil {
				return json_error("Error: %s", addErr.Error())
			}
			dev.add_raw_listener(wav_label, int(math.Round(float64(dev.hw_rate)/float64(rate))), false, true)
		}

		return "{}\n"

	case "rawFileOff":
		if len(args) < 1 {
			return json_error("Error: usage: rawFileOff DEV")
		}
		var dev = lookup_dev(reg, args[0])
		if dev == nil {
			return json_error("Error: '%s' does not specify a known open device", args[0])
		}
		var wav_label = args[0] + "_FileWriter"
		dev.remove_raw_listener(wav_label)
		reg.remove(wav_label)

		return "{}\n"

	case "fmOn", "fmOff":
		if len(args) < 1 {
			return json_error("Error: usage: %s DEV", word)
		}
		var dev = lookup_dev(reg, args[0])
		if dev == nil {
			return json_error("Error: '%s' does not specify a known open device", args[0])
		}
		dev.set_fm_demod(word == "fmOn")

		return dev.to_json() + "\n"

	case "devs":
		return list_capture_devices() + "\n"

	case "help":
		return "Commands:\n" + command_help + "\n"

	case "quit":
		reg.quit_requested = true

		return json_message("Terminating server.")
	}

	return json_error("Error: invalid command")
}

const command_help = `       open DEV_LABEL AUDIO_DEV RATE NUM_CHANNELS
          Open an audio device so plugins can be attached to it.
          AUDIO_DEV is an ALSA device name (e.g. 'default:CARD=V10'),
          'rtlsdr:' followed by the path of an rtl_tcp unix socket, or
          'pa:' for the default PortAudio input device.
          RATE is the sampling rate plugins will see; the hardware rate
          must be an integer multiple of it.

       close DEV_LABEL
          Stop acquiring data from the device and shut it down.

       start DEV_LABEL / stop DEV_LABEL
          Begin / cease acquiring data.  start and stop can be repeated;
          plugins see a continuous stream with timestamps reflecting the
          gap.

       startAll / stopAll
          Start / stop every participant.

       status LABEL
          Report the JSON status of one participant.

       list
          Return the status of all participants as one JSON object.

       attach DEV_LABEL PLUGIN_LABEL PLUGIN_SONAME PLUGIN_ID PLUGIN_OUTPUT [PAR VALUE]*
          Load the plugin and attach it to the device.  Output goes to
          any connection which has issued receive / receiveAll.

       detach PLUGIN_LABEL
          Stop sending data to the plugin instance and delete it.

       param PLUGIN_LABEL [PAR VALUE]*
          Set plugin parameters on a live instance.

       receive PLUGIN_LABEL
          Send this plugin's output to the issuing connection.

       receiveAll
          Send output of all present and future plugins to the issuing
          connection.

       rawStream DEV_LABEL RATE FM_FLAG
          Stream raw S16_LE audio from the device to the issuing
          connection at the decimated rate, preceded by a WAV header.
          With FM_FLAG non-zero on a stereo device the I/Q stream is
          FM-demodulated to one channel.

       rawStreamOff DEV_LABEL
          Cancel the issuer's raw subscription.

       rawFile DEV_LABEL RATE FRAMES "PATH_TEMPLATE"
          Record FRAMES frames to a WAV file whose name is the template
          with strftime codes (plus %Q for fractional seconds) expanded
          from the first frame's timestamp.  A second rawFile rotates
          into a new file without losing frames.

       rawFileOff DEV_LABEL
          Stop recording and discard the writer.

       fmOn DEV_LABEL / fmOff DEV_LABEL
          Toggle FM demodulation of the device's raw output.  Only
          meaningful for stereo (I/Q) devices; reduces output to one
          channel.

       devs
          List candidate sound capture devices.

       help
          Print this information.

       quit
          Close all open devices and exit.`
