package main

import (
	"github.com/jeeyo/battleship-p2p/internal/cli"
	"github.com/jeeyo/battleship-p2p/internal/logging"
)

func main() {
	logging.InitFromEnv()
	cli.Execute()
}
