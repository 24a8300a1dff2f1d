package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fenio/tns-nvmf/pkg/nvme"
)

var (
	errUnknownReservationType = errors.New("unknown reservation type")
	errUnknownAction          = errors.New("unknown action")
)

// reservationTypes maps CLI names to reservation types.
var reservationTypes = map[string]nvme.ReservationType{
	"write-exclusive":           nvme.ReservationWriteExclusive,
	"exclusive-access":          nvme.ReservationExclusiveAccess,
	"write-exclusive-reg-only":  nvme.ReservationWriteExclusiveRegistrantsOnly,
	"exclusive-access-reg-only": nvme.ReservationExclusiveAccessRegistrantsOnly,
	"write-exclusive-all-regs":  nvme.ReservationWriteExclusiveAllRegistrants,
	"exclusive-access-all-regs": nvme.ReservationExclusiveAccessAllRegistrants,
}

// parseReservationType accepts a name from reservationTypes or the numeric rtype.
func parseReservationType(s string) (nvme.ReservationType, error) {
	if t, ok := reservationTypes[s]; ok {
		return t, nil
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil || n < 1 || n > 6 {
		return 0, fmt.Errorf("%w: %q", errUnknownReservationType, s)
	}
	return nvme.ReservationType(n), nil
}

var registerActions = map[string]nvme.RegisterAction{
	"register":   nvme.RegisterActionRegister,
	"unregister": nvme.RegisterActionUnregister,
	"replace":    nvme.RegisterActionReplace,
}

var acquireActions = map[string]nvme.AcquireAction{
	"acquire":       nvme.AcquireActionAcquire,
	"preempt":       nvme.AcquireActionPreempt,
	"preempt-abort": nvme.AcquireActionPreemptAndAbort,
}

func lookupAction[T any](actions map[string]T, name string) (T, error) {
	a, ok := actions[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", errUnknownAction, name)
	}
	return a, nil
}

// keyFlag parses a reservation key flag value.
func keyFlag(cmd *cobra.Command, name string) (nvme.ReservationKey, error) {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	key, err := nvme.ParseReservationKey(v)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return key, nil
}

func newResvCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resv",
		Short: "Manage persistent reservations on a namespace",
		Long: `Manage NVMe persistent reservations. Keys are 64-bit values in decimal or
0x-prefixed hex, supplied on every call.

Reservation types: write-exclusive, exclusive-access, write-exclusive-reg-only,
exclusive-access-reg-only, write-exclusive-all-regs, exclusive-access-all-regs
(or the numeric rtype 1-6).

Examples:
  tns-nvmf resv register /dev/nvme0n1 --new-key 0x1234
  tns-nvmf resv acquire /dev/nvme0n1 --key 0x1234 --type write-exclusive
  tns-nvmf resv report /dev/nvme0n1 --key 0x1234
  tns-nvmf resv release /dev/nvme0n1 --key 0x1234 --type write-exclusive`,
	}
	cmd.AddCommand(newResvReportCmd(opts))
	cmd.AddCommand(newResvRegisterCmd(opts))
	cmd.AddCommand(newResvAcquireCmd(opts))
	cmd.AddCommand(newResvReleaseCmd(opts))
	return cmd
}

func newResvReportCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <device>",
		Short: "Show reservation holders and registrants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyFlag(cmd, "key")
			if err != nil {
				return err
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			report, err := s.client.ReservationReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if opts.output == outputFormatJSON {
				// Raw is the controller's own document.
				_, err = fmt.Fprintln(stdout, string(report.Raw))
				return err
			}
			handled, err := writeStructured(opts.output, report)
			if err != nil || handled {
				return err
			}

			printStepf(colorMuted, "-", "Generation %d, type %d, %d registrant(s)",
				report.Generation, report.Type, report.RegisteredControllers)
			t := newStyledTable()
			t.AppendHeader([]interface{}{"Controller ID", "Host ID", "Key", "Holder"})
			for _, r := range report.Registrants {
				keyCol := r.Key.String()
				if cmd.Flags().Changed("key") && r.Key == key {
					keyCol = colorSuccess.Sprint(keyCol)
				}
				holder := ""
				if r.Status&1 == 1 {
					holder = colorSuccess.Sprint(iconOK)
				}
				t.AppendRow([]interface{}{r.Cntlid, r.HostID, keyCol, holder})
			}
			t.Render()

			if cmd.Flags().Changed("key") {
				if _, ok := report.Registrant(key); !ok {
					printStepf(colorWarning, iconWarning, "Key %s is not registered", key)
				}
			}
			return nil
		},
	}
	cmd.Flags().String("key", "", "Highlight the registrant holding this key")
	return cmd
}

func newResvRegisterCmd(opts *globalOptions) *cobra.Command {
	var (
		action string
		iekey  bool
		ptpl   bool
	)
	cmd := &cobra.Command{
		Use:   "register <device>",
		Short: "Register, unregister or replace this host's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := lookupAction(registerActions, action)
			if err != nil {
				return err
			}
			current, err := keyFlag(cmd, "current-key")
			if err != nil {
				return err
			}
			next, err := keyFlag(cmd, "new-key")
			if err != nil {
				return err
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			err = s.client.ReservationRegister(cmd.Context(), args[0], nvme.ReservationRegisterRequest{
				Action:                  a,
				CurrentKey:              current,
				NewKey:                  next,
				IgnoreExistingKey:       iekey,
				PersistThroughPowerLoss: ptpl,
			})
			printResult(err, "Reservation %s on %s", action, args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&action, "action", "register", "register, unregister or replace")
	cmd.Flags().String("current-key", "", "Currently registered key")
	cmd.Flags().String("new-key", "", "Key to register")
	cmd.Flags().BoolVar(&iekey, "iekey", false, "Ignore the existing key")
	cmd.Flags().BoolVar(&ptpl, "ptpl", false, "Persist through power loss")
	return cmd
}

func newResvAcquireCmd(opts *globalOptions) *cobra.Command {
	var action, rtype string
	cmd := &cobra.Command{
		Use:   "acquire <device>",
		Short: "Acquire or preempt a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := lookupAction(acquireActions, action)
			if err != nil {
				return err
			}
			t, err := parseReservationType(rtype)
			if err != nil {
				return err
			}
			key, err := keyFlag(cmd, "key")
			if err != nil {
				return err
			}
			preempt, err := keyFlag(cmd, "preempt-key")
			if err != nil {
				return err
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			err = s.client.ReservationAcquire(cmd.Context(), args[0], key, t, a, preempt)
			printResult(err, "Reservation %s (%s) on %s", action, rtype, args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&action, "action", "acquire", "acquire, preempt or preempt-abort")
	cmd.Flags().StringVar(&rtype, "type", "write-exclusive", "Reservation type")
	cmd.Flags().String("key", "", "This host's registered key")
	cmd.Flags().String("preempt-key", "", "Key to preempt")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newResvReleaseCmd(opts *globalOptions) *cobra.Command {
	var (
		rtype    string
		clearAll bool
	)
	cmd := &cobra.Command{
		Use:   "release <device>",
		Short: "Release or clear a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseReservationType(rtype)
			if err != nil {
				return err
			}
			key, err := keyFlag(cmd, "key")
			if err != nil {
				return err
			}
			action := nvme.ReleaseActionRelease
			verb := "release"
			if clearAll {
				action, verb = nvme.ReleaseActionClear, "clear"
			}
			s, err := opts.newSession(cmd.Context())
			if err != nil {
				return err
			}
			err = s.client.ReservationRelease(cmd.Context(), args[0], key, t, action)
			printResult(err, "Reservation %s (%s) on %s", verb, rtype, args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&rtype, "type", "write-exclusive", "Reservation type")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Clear the reservation and every registration")
	cmd.Flags().String("key", "", "This host's registered key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
