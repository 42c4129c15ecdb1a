package main

import (
	"os"
	"rvos/kernel/kfmt"
	"rvos/kernel/kmain"
)

// main boots the kernel on the default machine layout with the console
// attached to stdout. Kmain halts the hart once the kernel is up and never
// returns.
func main() {
	kfmt.SetOutputSink(os.Stdout)
	kmain.Kmain(kmain.DefaultConfig())
}
