package main

import "github.com/dproxy-io/dproxy/cmd/dproxy/cmd"

func main() {
	cmd.Execute()
}
