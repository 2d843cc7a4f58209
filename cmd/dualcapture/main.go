package main

import "github.com/bryanchriswhite/DualCapture/cmd/dualcapture/commands"

func main() {
	commands.Execute()
}
