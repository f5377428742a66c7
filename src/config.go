package vah

/*------------------------------------------------------------------
 *
 * Purpose:	Optional YAML boot configuration.
 *
 *		Lets an unattended host come up with its devices open
 *		and running, without waiting for a controller to
 *		connect.  Everything here can also be done over the
 *		command socket; nothing is persisted back.
 *
 *		Example:
 *
 *		    socket: /tmp/VAH.sock
 *		    port: 0
 *		    quiet: false
 *		    devices:
 *		      - label: D
 *		        device: "default:CARD=V10"
 *		        rate: 48000
 *		        channels: 2
 *		        start: true
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type boot_device_s struct {
	Label    string `yaml:"label"`
	Device   string `yaml:"device"`
	Rate     int    `yaml:"rate"`
	Channels int    `yaml:"channels"`
	Start    bool   `yaml:"start"`
}

type boot_config_s struct {
	Socket  string          `yaml:"socket"`
	Port    int             `yaml:"port"`
	Quiet   bool            `yaml:"quiet"`
	Devices []boot_device_s `yaml:"devices"`
}

func load_boot_config(path string) (*boot_config_s, error) {
	var data, readErr = os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, readErr)
	}

	var cfg boot_config_s
	if yamlErr := yaml.Unmarshal(data, &cfg); yamlErr != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", path, yamlErr)
	}

	return &cfg, nil
}

// apply_boot_devices opens (and optionally starts) configured devices.
// Failures are logged, not fatal; the host still comes up.
func apply_boot_devices(reg *registry_s, cfg *boot_config_s) {
	var now = now_realtime()
	for _, bd := range cfg.Devices {
		var dev, openErr = get_dev_minder(reg, bd.Device, bd.Rate, bd.Channels, bd.Label, now)
		if openErr != nil {
			vah_log.Error("boot config: could not open device", "label", bd.Label, "device", bd.Device, "error", openErr)

			continue
		}
		vah_log.Info("boot config: opened device", "label", bd.Label, "device", bd.Device, "hwRate", dev.hw_rate)
		if bd.Start {
			if startErr := dev.start(now); startErr != nil {
				vah_log.Error("boot config: could not start device", "label", bd.Label, "error", startErr)
			}
		}
	}
}
