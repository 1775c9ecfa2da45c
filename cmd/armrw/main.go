package main

import "armrw/cmd/armrw/cmd"

func main() {
	cmd.Execute()
}
