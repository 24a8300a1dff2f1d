package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fenio/tns-nvmf/pkg/nvme"
	"github.com/fenio/tns-nvmf/pkg/target"
)

var errForceRemoveAborted = errors.New("force removal aborted")

// stdin is read for confirmations; tests replace it.
var stdin io.Reader = os.Stdin

func newForceRemoveCmd(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "force-remove <device|controller>",
		Short: "Delete a controller through sysfs",
		Long: `Delete an NVMe controller by writing to its sysfs delete_controller
attribute. Use this when nvme disconnect hangs or the controller is stuck
reconnecting. Accepts a controller (nvme3) or one of its namespace devices
(/dev/nvme3n1).

Examples:
  tns-nvmf force-remove /dev/nvme3n1
  tns-nvmf --host worker-1 force-remove nvme3 --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := nvme.ControllerName(args[0])
			if err != nil {
				return err
			}
			if !yes {
				ok, err := confirm(fmt.Sprintf("Delete controller %s? I/O in flight will fail. [y/N]: ", ctrl))
				if err != nil {
					return err
				}
				if !ok {
					return errForceRemoveAborted
				}
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			err = s.client.ForceRemoveController(cmd.Context(), args[0])
			printResult(err, "Removed controller %s on %s", ctrl, s.client.Host())
			return err
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

// confirm prints prompt and reads a yes/no answer.
func confirm(prompt string) (bool, error) {
	_, _ = fmt.Fprint(stdout, prompt)
	reader := bufio.NewReader(stdin)
	response, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read response: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes", nil
}

func newGenHostNQNCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-hostnqn",
		Short: "Generate a UUID-based host NQN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(stdout, target.GenerateHostNQN())
			return err
		},
	}
}
