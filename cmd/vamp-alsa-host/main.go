package main

import (
	vah "github.com/sensorgnome/vamp-alsa-host/src"
)

func main() {
	vah.VampAlsaHostMain()
}
