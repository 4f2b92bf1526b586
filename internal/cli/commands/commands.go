// Package commands provides CLI subcommands for jobman.
package commands

import (
	"fmt"

	"github.com/jobman/jobman/internal/config"
	"github.com/jobman/jobman/internal/infra"
	"github.com/jobman/jobman/internal/ipc"
)

// ExitError carries a specific process exit code through cobra.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// exitCodeNotRunning is returned when stop finds no daemon.
const exitCodeNotRunning = 3

func newClient() (*ipc.Client, infra.Paths) {
	paths := infra.Resolve()
	return ipc.NewClient(paths.SocketPath()), paths
}

func loadConfig(paths infra.Paths) *config.Config {
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return config.Default()
	}
	return cfg
}

// checkError turns protocol error responses into CLI errors.
func checkError(resp *ipc.Response) error {
	if resp.Type == ipc.TypeError {
		return fmt.Errorf("%s", resp.Message)
	}
	return nil
}
