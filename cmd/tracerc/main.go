package main

import "github.com/genesistracer/tracer/cmd/tracerc/cmd"

func main() {
	cmd.Execute()
}
