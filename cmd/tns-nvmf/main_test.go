package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fenio/tns-nvmf/pkg/config"
	"github.com/fenio/tns-nvmf/pkg/nvme"
	"github.com/fenio/tns-nvmf/pkg/target"
)

// captureOutput redirects stdout for the duration of a test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	want := []string{
		"connect", "connect-all", "discover", "disconnect", "disconnect-controller",
		"disconnect-all", "list", "resolve", "id-ns", "id-ctrl", "list-subsys",
		"resv", "force-remove", "gen-hostnqn", "exporter",
	}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, sub := range []string{"report", "register", "acquire", "release"} {
		if cmd, _, err := root.Find([]string{"resv", sub}); err != nil || cmd.Name() != sub {
			t.Errorf("command resv %q not registered", sub)
		}
	}

	// A second tree must not collide on klog flags.
	_ = newRootCmd()
}

func TestGenHostNQN(t *testing.T) {
	out := captureOutput(t)
	root := newRootCmd()
	root.SetArgs([]string{"gen-hostnqn"})
	if err := root.Execute(); err != nil {
		t.Fatalf("gen-hostnqn failed: %v", err)
	}
	if nqn := strings.TrimSpace(out.String()); !target.IsHostNQN(nqn) {
		t.Errorf("gen-hostnqn printed %q", nqn)
	}
}

func TestForceRemoveRejectsBadNameBeforeConnecting(t *testing.T) {
	captureOutput(t)
	root := newRootCmd()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "force-remove", "notadevice", "--yes"})
	root.SilenceErrors = true
	err := root.Execute()
	if !errors.Is(err, nvme.ErrInvalidControllerName) {
		t.Errorf("force-remove error = %v, want ErrInvalidControllerName", err)
	}
}

func TestForceRemoveAbortsWithoutConfirmation(t *testing.T) {
	captureOutput(t)
	prev := stdin
	stdin = strings.NewReader("n\n")
	t.Cleanup(func() { stdin = prev })

	root := newRootCmd()
	root.SetArgs([]string{"force-remove", "/dev/nvme3n1"})
	root.SilenceErrors = true
	if err := root.Execute(); !errors.Is(err, errForceRemoveAborted) {
		t.Errorf("force-remove error = %v, want errForceRemoveAborted", err)
	}
}

func TestConnectRejectsBadTarget(t *testing.T) {
	captureOutput(t)
	root := newRootCmd()
	root.SetArgs([]string{"connect", "nvmf://10.0.0.5/nqn.x"})
	root.SilenceErrors = true
	if err := root.Execute(); !errors.Is(err, target.ErrInvalidAddress) {
		t.Errorf("connect error = %v, want ErrInvalidAddress", err)
	}
}

func TestExporterRejectsInvalidOverrides(t *testing.T) {
	for _, args := range [][]string{
		{"--interval", "0s"},
		{"--interval", "-5s"},
		{"--addr", ""},
	} {
		t.Run(strings.Join(args, "="), func(t *testing.T) {
			captureOutput(t)
			root := newRootCmd()
			root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "exporter"}, args...))
			root.SilenceErrors = true
			if err := root.Execute(); !errors.Is(err, config.ErrInvalidConfig) {
				t.Errorf("exporter %v error = %v, want ErrInvalidConfig", args, err)
			}
		})
	}
}

func TestParseReservationType(t *testing.T) {
	//nolint:govet // Field alignment not critical for test structs
	tests := []struct {
		input   string
		want    nvme.ReservationType
		wantErr bool
	}{
		{input: "write-exclusive", want: nvme.ReservationWriteExclusive},
		{input: "exclusive-access-all-regs", want: nvme.ReservationExclusiveAccessAllRegistrants},
		{input: "3", want: nvme.ReservationWriteExclusiveRegistrantsOnly},
		{input: "0x6", want: nvme.ReservationExclusiveAccessAllRegistrants},
		{input: "0", wantErr: true},
		{input: "7", wantErr: true},
		{input: "shared", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseReservationType(tt.input)
			if tt.wantErr {
				if !errors.Is(err, errUnknownReservationType) {
					t.Errorf("parseReservationType(%q) error = %v", tt.input, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("parseReservationType(%q) = %d, %v; want %d", tt.input, got, err, tt.want)
			}
		})
	}
}

func TestLookupAction(t *testing.T) {
	if a, err := lookupAction(acquireActions, "preempt-abort"); err != nil || a != nvme.AcquireActionPreemptAndAbort {
		t.Errorf("lookupAction(preempt-abort) = %d, %v", a, err)
	}
	if _, err := lookupAction(registerActions, "steal"); !errors.Is(err, errUnknownAction) {
		t.Errorf("lookupAction(steal) error = %v, want errUnknownAction", err)
	}
}

func TestWriteStructured(t *testing.T) {
	value := map[string]string{"device": "/dev/nvme0n1"}

	out := captureOutput(t)
	handled, err := writeStructured(outputFormatJSON, value)
	if err != nil || !handled {
		t.Fatalf("json: handled=%v err=%v", handled, err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil || decoded["device"] != "/dev/nvme0n1" {
		t.Errorf("json output %q", out.String())
	}

	out.Reset()
	if handled, err := writeStructured(outputFormatYAML, value); err != nil || !handled {
		t.Fatalf("yaml: handled=%v err=%v", handled, err)
	}
	if got := out.String(); got != "device: /dev/nvme0n1\n" {
		t.Errorf("yaml output %q", got)
	}

	if handled, err := writeStructured(outputFormatTable, value); err != nil || handled {
		t.Errorf("table: handled=%v err=%v", handled, err)
	}
	if _, err := writeStructured("xml", value); !errors.Is(err, errUnknownOutputFormat) {
		t.Errorf("xml: err=%v, want errUnknownOutputFormat", err)
	}
}

func TestBuildDeviceInfos(t *testing.T) {
	devices := []nvme.Device{
		{
			SubsystemNQN: "nqn.a",
			Controllers: []nvme.Controller{
				{Name: "nvme0", Namespaces: []nvme.Namespace{{Name: "nvme0n1"}}},
			},
		},
		{
			SubsystemNQN: "nqn.b",
			Controllers:  []nvme.Controller{{Name: "nvme1"}, {Name: "nvme2"}},
			Namespaces:   []nvme.Namespace{{Name: "nvme1n1"}},
		},
	}
	mounts := map[string][]string{
		"/dev/nvme1n1": {"/mnt/b"},
		"/dev/sda1":    {"/"},
	}

	infos := buildDeviceInfos(devices, mounts)
	if len(infos) != 2 {
		t.Fatalf("got %d infos, want 2", len(infos))
	}
	if infos[0].Mounts != nil {
		t.Errorf("nqn.a mounts = %v, want none", infos[0].Mounts)
	}
	if got := infos[1].Mounts["/dev/nvme1n1"]; len(got) != 1 || got[0] != "/mnt/b" {
		t.Errorf("nqn.b mounts = %v", infos[1].Mounts)
	}

	out := captureOutput(t)
	if _, err := writeStructured(outputFormatJSON, infos[1]); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"subsystemNqn": "nqn.b"`) {
		t.Errorf("device fields not inlined: %s", out.String())
	}
}

func TestOutputConnectResults(t *testing.T) {
	out := captureOutput(t)
	addrs := []target.Address{
		{Host: "10.0.0.5", Port: 4420, SubsystemID: "nqn.a"},
		{Host: "10.0.0.5", Port: 4420, SubsystemID: "nqn.b"},
	}
	results := []nvme.Result[string]{
		{Value: "/dev/nvme0n1"},
		{Err: nvme.ErrDeviceNotFound},
	}

	err := outputConnectResults(addrs, results, outputFormatTable)
	if !errors.Is(err, errOperationsFailed) {
		t.Errorf("outputConnectResults() error = %v, want errOperationsFailed", err)
	}
	text := out.String()
	if !strings.Contains(text, "nvmf://10.0.0.5:4420/nqn.a -> /dev/nvme0n1") || !strings.Contains(text, "NVMe device not found") {
		t.Errorf("unexpected output:\n%s", text)
	}
}
