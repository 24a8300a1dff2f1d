package nvme

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fenio/tns-nvmf/pkg/hostexec"
)

// fakeReply is a scripted command result. A non-zero exit becomes an *hostexec.ExitError.
type fakeReply struct {
	stdout string
	stderr string
	exit   int
}

// fakeRunner answers commands by their first two words ("nvme list",
// "sh -c") and records every command line it sees.
type fakeRunner struct {
	handlers map[string]func(args []string) fakeReply
	host     string
	calls    []string
	mu       sync.Mutex
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		handlers: map[string]func(args []string) fakeReply{},
		host:     "node-a",
	}
}

// on registers a handler for a command key such as "nvme connect".
func (f *fakeRunner) on(key string, handler func(args []string) fakeReply) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = handler
	return f
}

// reply registers a fixed reply for a command key.
func (f *fakeRunner) reply(key string, r fakeReply) *fakeRunner {
	return f.on(key, func([]string) fakeReply { return r })
}

func (f *fakeRunner) Host() string {
	return f.host
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line := strings.Join(append([]string{name}, args...), " ")
	key := name
	if len(args) > 0 {
		key += " " + args[0]
	}

	f.mu.Lock()
	f.calls = append(f.calls, line)
	handler, ok := f.handlers[key]
	f.mu.Unlock()

	if !ok {
		return nil, &hostexec.ExitError{
			Err:      errors.New("exit status 127"),
			Host:     f.host,
			Command:  line,
			Stderr:   fmt.Sprintf("%s: command not scripted", key),
			ExitCode: 127,
		}
	}
	r := handler(args)
	if r.exit != 0 {
		return []byte(r.stdout), &hostexec.ExitError{
			Err:      fmt.Errorf("exit status %d", r.exit),
			Host:     f.host,
			Command:  line,
			Stdout:   r.stdout,
			Stderr:   r.stderr,
			ExitCode: r.exit,
		}
	}
	return []byte(r.stdout), nil
}

// commands returns the recorded command lines.
func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// countPrefix counts recorded commands starting with prefix.
func (f *fakeRunner) countPrefix(prefix string) int {
	n := 0
	for _, c := range f.commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// newTestClient builds a Client that records settle waits instead of sleeping.
func newTestClient(runner hostexec.Runner, opts ...Option) (*Client, *[]time.Duration) {
	c := NewClient(runner, opts...)
	var waits []time.Duration
	var mu sync.Mutex
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	return c, &waits
}

// listFlat renders an nvme-cli 1.x `list -v -o json` document with one
// controller and namespace per subsystem.
func listFlat(devices ...fakeDevice) string {
	parts := make([]string, 0, len(devices))
	for _, d := range devices {
		parts = append(parts, d.json())
	}
	return `{"Devices":[` + strings.Join(parts, ",") + `]}`
}

type fakeDevice struct {
	nqn         string
	controllers []fakeController
}

type fakeController struct {
	name      string
	address   string
	namespace string
}

func (d fakeDevice) json() string {
	ctrls := make([]string, 0, len(d.controllers))
	for _, c := range d.controllers {
		ns := ""
		if c.namespace != "" {
			ns = fmt.Sprintf(`{"NameSpace":%q,"NSID":1,"UsedBytes":1073741824,"PhysicalSize":1073741824,"SectorSize":512}`, c.namespace)
		}
		ctrls = append(ctrls, fmt.Sprintf(
			`{"Controller":%q,"Cntlid":"0x1","SerialNumber":"abc123  ","ModelNumber":"TrueNAS","Firmware":"1.0","Transport":"tcp","Address":%q,"Namespaces":[%s]}`,
			c.name, c.address, ns))
	}
	return fmt.Sprintf(`{"Subsystem":"nvme-subsys0","SubsystemNQN":%q,"Controllers":[%s],"Namespaces":[]}`,
		d.nqn, strings.Join(ctrls, ","))
}
