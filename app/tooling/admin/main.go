// This program provides chain administration tooling: inspecting the block
// log, rebuilding the index, managing checkpoints and generating keys.
package main

import "github.com/sa2shinakamo2/bt2c/app/tooling/admin/cmd"

func main() {
	cmd.Execute()
}
