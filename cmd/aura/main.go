// Command aura is the voice conversation client: it connects to the
// assistant backend, records speech, transports it over peer streaming or
// chunked fallback, and plays the synthesized replies.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real env vars win
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
