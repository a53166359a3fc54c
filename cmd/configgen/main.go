package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/nfcrelay/internal/config"
)

const defaultPath = "cmd/relayctl/config.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if _, err := config.Validate(*input); err != nil {
			fail(err)
		}
		fmt.Printf("validated relay config at %s\n", *input)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		fail(err)
	}
	fmt.Printf("wrote relay config template to %s\n", *output)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
	os.Exit(1)
}
