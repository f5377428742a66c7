package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Enumerate candidate sound capture devices.
 *
 *		Walks the udev 'sound' subsystem and reports the cards
 *		present, so a controller can decide what to open
 *		without shelling out to arecord -l.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/json"
	"strings"

	"github.com/jochenvg/go-udev"
)

type capture_device_t struct {
	Syspath string `json:"syspath"`
	Card    string `json:"card"`
	Name    string `json:"name"`
}

// list_capture_devices returns a JSON array of sound cards seen by udev.
func list_capture_devices() string {
	var u udev.Udev
	var e = u.NewEnumerate()

	e.AddMatchSubsystem("sound")
	var devices, enumErr = e.Devices()
	if enumErr != nil {
		var js, _ = json.Marshal(struct {
			Error string `json:"error"`
		}{Error: "Error: could not enumerate sound devices: " + enumErr.Error()})

		return string(js)
	}

	var cards = []capture_device_t{}
	for _, d := range devices {
		// cards appear as .../sound/cardN; capture PCM substreams as
		// pcmCnDnc - we report the card level only
		var sysname = d.Sysname()
		if !strings.HasPrefix(sysname, "card") {
			continue
		}
		cards = append(cards, capture_device_t{
			Syspath: d.Syspath(),
			Card:    sysname,
			Name:    d.PropertyValue("ID_MODEL_FROM_DATABASE"),
		})
	}

	var js, _ = json.Marshal(cards)

	return string(js)
}
