package main

import "southwinds.dev/fanvault/cli/cmd"

func main() {
	cmd.Execute()
}
