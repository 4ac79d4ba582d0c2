package main

import (
	"github.com/beamlink/beamlink/cmd"
	"github.com/beamlink/beamlink/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
