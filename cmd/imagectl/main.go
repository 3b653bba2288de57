// Command imagectl administers an image generation deployment directly
// against its store: users and credits, tokens, upstream keys, the
// moderation lexicon and stuck batches.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
