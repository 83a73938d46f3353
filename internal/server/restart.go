package server

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// restartProcess replaces the running broker with a fresh copy of
// itself, preserving arguments and environment. Used by the shutdown
// endpoint's restart flavor after the listener has closed.
func restartProcess() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	log.Info().Str("exe", exe).Msg("Restarting")

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn replacement: %w", err)
	}
	return nil
}
