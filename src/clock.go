package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Time sources for the host, as fractional seconds.
 *
 *		Two clocks are used:
 *
 *		* monotonic - for poll dispatch, stall detection and
 *		  anything else that must not jump on clock corrections.
 *
 *		* realtime - for frame timestamps, file naming and
 *		  status reporting.
 *
 *------------------------------------------------------------------*/

import (
	"golang.org/x/sys/unix"
)

// now_monotonic returns CLOCK_MONOTONIC as fractional seconds.
func now_monotonic() float64 {
	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)

	return float64(ts.Sec) + float64(ts.Nsec)/1.0e9
}

// now_realtime returns CLOCK_REALTIME as fractional seconds.
func now_realtime() float64 {
	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_REALTIME, &ts)

	return float64(ts.Sec) + float64(ts.Nsec)/1.0e9
}
