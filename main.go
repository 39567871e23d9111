package main

import (
	"github.com/BioHazard786/peerstream/cmd"
	"github.com/BioHazard786/peerstream/internal/logging"
)

func main() {
	logging.Init()
	cmd.Execute()
}
