package logging

import (
	"fmt"
)

// PrintBanner prints the startup banner bootstrap shows before spawning
// any activity: server name, version, run id, and listen port — enough
// for an operator tailing the console to confirm which instance they're
// looking at.
func PrintBanner(serverName, version, runID string, port int) {
	fmt.Println("================================================================")
	fmt.Printf(" %s  (build %s)\n", serverName, version)
	fmt.Printf(" run id: %s\n", runID)
	fmt.Printf(" listening on port %d\n", port)
	fmt.Println("================================================================")
}
