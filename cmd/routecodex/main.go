// RouteCodex is a multi-protocol LLM gateway core: a virtual router and
// pipeline planner sitting in front of a pipeline runtime of
// LLMSwitch/Workflow/Compatibility/Provider nodes. This binary is a
// minimal smoke entry point that wires the core packages together and
// serves Prometheus metrics and a liveness endpoint; a full HTTP front
// door, admin UI, and config editor are out of scope here and remain
// external collaborators.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/routecodex.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("routecodex", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
