package mount

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/fenio/tns-nvmf/pkg/hostexec"
)

// scriptedRunner returns a fixed result for every command.
type scriptedRunner struct {
	err    error
	output string
	last   string
}

func (r *scriptedRunner) Host() string { return "node-a" }

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.last = strings.Join(append([]string{name}, args...), " ")
	return []byte(r.output), r.err
}

func TestMountPoints(t *testing.T) {
	//nolint:govet // Field alignment not critical for test structs
	tests := []struct {
		name    string
		runner  *scriptedRunner
		want    []string
		wantErr bool
	}{
		{
			name:   "two mounts",
			runner: &scriptedRunner{output: "/var/lib/kubelet/pods/a/volumes/x\n/mnt/data\n"},
			want:   []string{"/var/lib/kubelet/pods/a/volumes/x", "/mnt/data"},
		},
		{
			name: "not mounted",
			runner: &scriptedRunner{err: &hostexec.ExitError{
				Err:      errors.New("exit status 1"),
				Command:  "findmnt",
				ExitCode: 1,
			}},
			want: []string{},
		},
		{
			name: "findmnt missing",
			runner: &scriptedRunner{err: &hostexec.ExitError{
				Err:      errors.New("exit status 127"),
				Command:  "findmnt",
				Stderr:   "findmnt: command not found",
				ExitCode: 127,
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MountPoints(context.Background(), tt.runner, "/dev/nvme0n1")
			if tt.wantErr {
				if err == nil {
					t.Fatal("MountPoints() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("MountPoints() unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("MountPoints() = %v, want %v", got, tt.want)
			}
			if tt.runner.last != "findmnt -n -l -o TARGET -S /dev/nvme0n1" {
				t.Errorf("command = %q", tt.runner.last)
			}
		})
	}
}

func TestIsDeviceMounted(t *testing.T) {
	mounted, err := IsDeviceMounted(context.Background(), &scriptedRunner{output: "/mnt/data\n"}, "/dev/nvme0n1")
	if err != nil || !mounted {
		t.Errorf("IsDeviceMounted() = %v, %v; want true", mounted, err)
	}
}

func TestParseTable(t *testing.T) {
	output := `/dev/sda1 /
proc /proc
/dev/nvme0n1 /mnt/data
/dev/nvme0n1 /mnt/alias
udev[/nvme1n1] /var/lib/kubelet/plugins/kubernetes.io/csi/volumeDevices/publish/pvc-1
tmpfs[/secrets] /run/secrets
`
	got := ParseTable([]byte(output))
	want := map[string][]string{
		"/dev/sda1":       {"/"},
		"proc":            {"/proc"},
		"/dev/nvme0n1":    {"/mnt/alias", "/mnt/data"},
		"/dev/nvme1n1":    {"/var/lib/kubelet/plugins/kubernetes.io/csi/volumeDevices/publish/pvc-1"},
		"tmpfs[/secrets]": {"/run/secrets"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTable() = %v, want %v", got, want)
	}
}

func TestTable(t *testing.T) {
	runner := &scriptedRunner{output: "/dev/nvme0n1 /mnt/data\n"}
	got, err := Table(context.Background(), runner)
	if err != nil {
		t.Fatalf("Table() unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got["/dev/nvme0n1"], []string{"/mnt/data"}) {
		t.Errorf("Table() = %v", got)
	}
	if runner.last != "findmnt -n -l -o SOURCE,TARGET" {
		t.Errorf("command = %q", runner.last)
	}
}
