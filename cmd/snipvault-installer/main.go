package main

import "github.com/oshokin/snipvault-installer/cmd/snipvault-installer/cmd"

func main() {
	cmd.Execute()
}
