package nvme

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const idNS = `NVME Identify Namespace 1:
nsze    : 0x200000
ncap    : 0x200000
nuse    : 0x1a2b
nsfeat  : 0x14
nlbaf   : 0
nmic    : 0x1
rescap  : 0xff
nguid   : 6e5f3c1a9b0d4e27a1c8f3d2b4e5a607
eui64   : 0025384b91b0c2d1
lbaf  0 : ms:0   lbads:9  rp:0 (in use)
`

func TestParseNamespaceIdentity(t *testing.T) {
	//nolint:govet // Field alignment not critical for test structs
	tests := []struct {
		name    string
		input   string
		want    NamespaceIdentity
		wantErr bool
	}{
		{
			name:  "both identifiers",
			input: idNS,
			want:  NamespaceIdentity{NGUID: "6e5f3c1a9b0d4e27a1c8f3d2b4e5a607", EUI64: "0025384b91b0c2d1"},
		},
		{
			name:  "only nguid",
			input: "NVME Identify Namespace 1:\nnsze : 0x10\nnguid : 00000000000000000000000000000001\n",
			want:  NamespaceIdentity{NGUID: "00000000000000000000000000000001"},
		},
		{
			name:  "values are returned as printed",
			input: "NVME Identify Namespace 1:\neui64 : 0025384B91B0C2D1\n",
			want:  NamespaceIdentity{EUI64: "0025384B91B0C2D1"},
		},
		{
			name:  "short value is not second-guessed",
			input: "NVME Identify Namespace 1:\nnguid : 1234\n",
			want:  NamespaceIdentity{NGUID: "1234"},
		},
		{
			name:  "neither identifier",
			input: "NVME Identify Namespace 1:\nnsze : 0x10\nlbaf  0 : ms:0   lbads:9  rp:0 (in use)\n",
			want:  NamespaceIdentity{},
		},
		{
			name:  "empty output",
			input: "",
			want:  NamespaceIdentity{},
		},
		{
			name:    "nguid with two colons",
			input:   "NVME Identify Namespace 1:\nnguid : 6e5f:3c1a\n",
			wantErr: true,
		},
		{
			name:    "nguid with two values",
			input:   "NVME Identify Namespace 1:\nnguid : 6e5f3c1a 9b0d4e27\n",
			wantErr: true,
		},
		{
			name:    "eui64 without separator",
			input:   "NVME Identify Namespace 1:\neui64 0025384b91b0c2d1\n",
			wantErr: true,
		},
		{
			name:    "empty value",
			input:   "NVME Identify Namespace 1:\neui64 :\n",
			wantErr: true,
		},
		{
			name:    "duplicate key",
			input:   "NVME Identify Namespace 1:\neui64 : 0025384b91b0c2d1\neui64 : 0025384b91b0c2d2\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNamespaceIdentity(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedOutput) {
					t.Fatalf("ParseNamespaceIdentity() error = %v, want ErrMalformedOutput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNamespaceIdentity() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseNamespaceIdentity() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIdentifyNamespace(t *testing.T) {
	runner := newFakeRunner().reply("nvme id-ns", fakeReply{stdout: idNS})
	c, _ := newTestClient(runner)

	got, err := c.IdentifyNamespace(context.Background(), "/dev/nvme0n1")
	if err != nil {
		t.Fatalf("IdentifyNamespace() unexpected error: %v", err)
	}
	if got.NGUID == "" || got.EUI64 == "" {
		t.Errorf("IdentifyNamespace() = %+v, want both identifiers", got)
	}
	if cmd := runner.commands()[0]; cmd != "nvme id-ns /dev/nvme0n1" {
		t.Errorf("command = %q", cmd)
	}

	runner.reply("nvme id-ns", fakeReply{stderr: "No such file or directory", exit: 2})
	if _, err := c.IdentifyNamespace(context.Background(), "/dev/nvme9n1"); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("IdentifyNamespace() error = %v, want ErrConnectionFailed", err)
	}
}

const idCtrl = `{
  "vid" : 6900,
  "ssvid" : 6900,
  "sn" : "6f1c0a9e6b3d4c2a    ",
  "mn" : "TrueNAS                                 ",
  "fr" : "6.6.44  ",
  "cntlid" : 2,
  "ver" : 66560,
  "oncs" : 44,
  "subnqn" : "nqn.test-subsys"
}`

func TestParseControllerIdentity(t *testing.T) {
	id, err := ParseControllerIdentity([]byte(idCtrl))
	if err != nil {
		t.Fatalf("ParseControllerIdentity() unexpected error: %v", err)
	}
	want := ControllerIdentity{
		SerialNumber: "6f1c0a9e6b3d4c2a",
		ModelNumber:  "TrueNAS",
		Firmware:     "6.6.44",
		SubsystemNQN: "nqn.test-subsys",
		VendorID:     6900,
		Cntlid:       2,
		ONCS:         44,
	}
	if diff := cmp.Diff(want, *id, cmpopts.IgnoreFields(ControllerIdentity{}, "Raw")); diff != "" {
		t.Errorf("ParseControllerIdentity() mismatch (-want +got):\n%s", diff)
	}
	if string(id.Raw) != idCtrl {
		t.Error("Raw does not hold the command output")
	}

	// 44 = dataset management | write zeroes | reservations
	if !id.Supports(ONCSReservations) || !id.Supports(ONCSDatasetManagement|ONCSWriteZeroes) {
		t.Errorf("Supports() false for advertised bits in oncs=%d", id.ONCS)
	}
	if id.Supports(ONCSCompare) {
		t.Errorf("Supports(ONCSCompare) true for oncs=%d", id.ONCS)
	}

	if _, err := ParseControllerIdentity([]byte("NVME Identify Controller:")); !errors.Is(err, ErrMalformedOutput) {
		t.Errorf("ParseControllerIdentity() error = %v, want ErrMalformedOutput", err)
	}
}

func TestIdentifyController(t *testing.T) {
	runner := newFakeRunner().reply("nvme id-ctrl", fakeReply{stdout: idCtrl})
	c, _ := newTestClient(runner)

	id, err := c.IdentifyController(context.Background(), "nvme1")
	if err != nil {
		t.Fatalf("IdentifyController() unexpected error: %v", err)
	}
	if id.SubsystemNQN != "nqn.test-subsys" {
		t.Errorf("SubsystemNQN = %q", id.SubsystemNQN)
	}
	if cmd := runner.commands()[0]; cmd != "nvme id-ctrl nvme1 -o json" {
		t.Errorf("command = %q", cmd)
	}
}

const listSubsysV1 = `{
  "Subsystems" : [
    {
      "Name" : "nvme-subsys1",
      "NQN" : "nqn.test-subsys"
    },
    {
      "Paths" : [
        {
          "Name" : "nvme1",
          "Transport" : "tcp",
          "Address" : "traddr=192.168.1.5 trsvcid=4420",
          "State" : "live"
        },
        {
          "Name" : "nvme2",
          "Transport" : "tcp",
          "Address" : "traddr=192.168.1.6 trsvcid=4420",
          "State" : "connecting"
        }
      ]
    }
  ]
}`

const listSubsysV2 = `[
  {
    "HostNQN" : "nqn.2014-08.org.nvmexpress:uuid:host-a",
    "HostID" : "host-a",
    "Subsystems" : [
      {
        "Name" : "nvme-subsys1",
        "NQN" : "nqn.test-subsys",
        "IOPolicy" : "numa",
        "Paths" : [
          {
            "Name" : "nvme1",
            "Transport" : "tcp",
            "Address" : "traddr=192.168.1.5,trsvcid=4420",
            "State" : "live",
            "ANAState" : "optimized"
          }
        ]
      }
    ]
  }
]`

func TestParseSubsystems(t *testing.T) {
	//nolint:govet // Field alignment not critical for test structs
	tests := []struct {
		name    string
		input   string
		want    []Subsystem
		wantErr bool
	}{
		{
			name:  "host grouped array",
			input: listSubsysV2,
			want: []Subsystem{{
				Name:     "nvme-subsys1",
				NQN:      "nqn.test-subsys",
				IOPolicy: "numa",
				Paths: []Path{{
					Name:      "nvme1",
					Transport: "tcp",
					Address:   "traddr=192.168.1.5,trsvcid=4420",
					State:     "live",
					ANAState:  "optimized",
				}},
			}},
		},
		{
			name:  "paths in a trailing object",
			input: listSubsysV1,
			want: []Subsystem{{
				Name: "nvme-subsys1",
				NQN:  "nqn.test-subsys",
				Paths: []Path{
					{Name: "nvme1", Transport: "tcp", Address: "traddr=192.168.1.5 trsvcid=4420", State: "live"},
					{Name: "nvme2", Transport: "tcp", Address: "traddr=192.168.1.6 trsvcid=4420", State: "connecting"},
				},
			}},
		},
		{
			name:  "empty",
			input: "",
			want:  []Subsystem{},
		},
		{
			name:    "garbage",
			input:   "nvme-subsys1 - NQN=nqn.test-subsys",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubsystems([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedOutput) {
					t.Fatalf("ParseSubsystems() error = %v, want ErrMalformedOutput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSubsystems() unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseSubsystems() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListSubsystems(t *testing.T) {
	runner := newFakeRunner().reply("nvme list-subsys", fakeReply{stdout: listSubsysV2})
	c, _ := newTestClient(runner)

	subs, err := c.ListSubsystems(context.Background(), "/dev/nvme1n1")
	if err != nil {
		t.Fatalf("ListSubsystems() unexpected error: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("ListSubsystems() returned %d subsystems, want 1", len(subs))
	}
	if live := subs[0].PathsInState(PathStateLive); len(live) != 1 || live[0] != "nvme1" {
		t.Errorf("PathsInState(live) = %v, want [nvme1]", live)
	}
	if cmd := runner.commands()[0]; cmd != "nvme list-subsys /dev/nvme1n1 -o json" {
		t.Errorf("command = %q", cmd)
	}

	if _, err := c.ListSubsystems(context.Background(), ""); err != nil {
		t.Fatalf("ListSubsystems(\"\") unexpected error: %v", err)
	}
	if cmd := runner.commands()[1]; cmd != "nvme list-subsys -o json" {
		t.Errorf("command = %q", cmd)
	}
}
