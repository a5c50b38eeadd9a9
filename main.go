package main

import "github.com/kiesman99/tilecrop/cmd"

func main() {
	cmd.Execute()
}
