package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Announce the optional TCP control port using DNS-SD.
 *
 *		Controllers on the local network can then find a
 *		running host without being told its port.  Uses the
 *		pure-Go github.com/brutella/dnssd responder, so no
 *		system mDNS daemon is required.
 *
 *------------------------------------------------------------------*/

import (
	"context"

	"github.com/brutella/dnssd"
)

const DNS_SD_SERVICE = "_vamp-alsa-host._tcp"

func dns_sd_announce(port int) {
	var cfg = dnssd.Config{
		Name: "vamp-alsa-host",
		Type: DNS_SD_SERVICE,
		Port: port,
	}

	var sv, svErr = dnssd.NewService(cfg)
	if svErr != nil {
		vah_log.Error("DNS-SD: failed to create service", "error", svErr)

		return
	}

	var rp, rpErr = dnssd.NewResponder()
	if rpErr != nil {
		vah_log.Error("DNS-SD: failed to create responder", "error", rpErr)

		return
	}

	var _, addErr = rp.Add(sv)
	if addErr != nil {
		vah_log.Error("DNS-SD: failed to add service", "error", addErr)

		return
	}

	vah_log.Info("DNS-SD: announcing control port", "port", port, "service", DNS_SD_SERVICE)

	go func() {
		var respondErr = rp.Respond(context.Background())
		if respondErr != nil {
			vah_log.Error("DNS-SD: responder error", "error", respondErr)
		}
	}()
}
