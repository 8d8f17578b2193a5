package main

import (
	_ "go.uber.org/automaxprocs"

	"vpngate/cmd"
)

func main() {
	cmd.Execute()
}
