// Command mpcd runs model-predictive control loops under an independently
// scheduled safety supervisor.
package main

import "github.com/reh3376/ignition-tools-sub002/mpcd/cmd"

func main() {
	cmd.Execute()
}
