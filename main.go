package main

import "datapilot/cmd"

func main() {
	cmd.Execute()
}
