package main

import "github.com/CraigKelly/nutsample/cmd"

// TODO: resume a run from a --trace file so warm-up need not be repeated

func main() {
	cmd.Execute()
}
