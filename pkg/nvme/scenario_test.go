package nvme

import (
	"context"
	"fmt"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fenio/tns-nvmf/pkg/target"
)

// fakeFabric scripts a host whose inventory follows connect and disconnect
// commands and whose namespace keeps persistent reservation registrations.
type fakeFabric struct {
	registrants map[string]uint64
	connected   map[string]bool
	holder      string
	mu          sync.Mutex
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{registrants: map[string]uint64{}, connected: map[string]bool{}}
}

func flagValue(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// runner returns a fakeRunner for one initiator host sharing this fabric.
func (f *fakeFabric) runner(host string, cntlid int) *fakeRunner {
	r := newFakeRunner()
	r.host = host
	ctrl := fmt.Sprintf("nvme%d", cntlid)

	r.on("nvme connect", func(args []string) fakeReply {
		f.mu.Lock()
		defer f.mu.Unlock()
		if flagValue(args, "-a") != "192.168.1.5" || flagValue(args, "-s") != "4420" {
			return fakeReply{stderr: "Failed to write to /dev/nvme-fabrics: Connection refused", exit: 1}
		}
		f.connected[host+"/"+flagValue(args, "-n")] = true
		return fakeReply{}
	})
	r.on("nvme disconnect", func(args []string) fakeReply {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.connected, host+"/"+flagValue(args, "-n"))
		return fakeReply{stdout: "NQN:" + flagValue(args, "-n") + " disconnected 1 controller(s)"}
	})
	r.on("nvme list", func([]string) fakeReply {
		f.mu.Lock()
		defer f.mu.Unlock()
		var devices []fakeDevice
		for key := range f.connected {
			h, nqn, _ := strings.Cut(key, "/")
			if h != host {
				continue
			}
			devices = append(devices, fakeDevice{nqn: nqn, controllers: []fakeController{{
				name:      ctrl,
				address:   "traddr=192.168.1.5 trsvcid=4420",
				namespace: ctrl + "n1",
			}}})
		}
		return fakeReply{stdout: listFlat(devices...)}
	})
	r.on("nvme resv-register", func(args []string) fakeReply {
		f.mu.Lock()
		defer f.mu.Unlock()
		key, err := ParseReservationKey(flagValue(args, "-k"))
		if err != nil {
			return fakeReply{exit: 22}
		}
		f.registrants[host] = uint64(key)
		return fakeReply{}
	})
	r.on("nvme resv-acquire", func(args []string) fakeReply {
		f.mu.Lock()
		defer f.mu.Unlock()
		key, _ := ParseReservationKey(flagValue(args, "-c"))
		if registered, ok := f.registrants[host]; !ok || registered != uint64(key) {
			return fakeReply{stderr: "NVMe status: RESERVATION_CONFLICT(0x18)", exit: 1}
		}
		if f.holder != "" && f.holder != host {
			return fakeReply{stderr: "NVMe status: RESERVATION_CONFLICT(0x18)", exit: 1}
		}
		f.holder = host
		return fakeReply{}
	})
	r.on("nvme resv-report", func([]string) fakeReply {
		f.mu.Lock()
		defer f.mu.Unlock()
		var regs []string
		cntlid := 0
		for h, key := range f.registrants {
			cntlid++
			status := 0
			if h == f.holder {
				status = 1
			}
			regs = append(regs, fmt.Sprintf(`{"cntlid":%d,"rcsts":%d,"hostid":%q,"rkey":%d}`, cntlid, status, h, key))
		}
		rtype := 0
		if f.holder != "" {
			rtype = int(ReservationWriteExclusive)
		}
		return fakeReply{stdout: fmt.Sprintf(`{"gen":%d,"rtype":%d,"regctl":%d,"ptpls":0,"regctlext":[%s]}`,
			len(regs), rtype, len(regs), strings.Join(regs, ","))}
	})
	return r
}

var _ = Describe("Connecting a fabric target", func() {
	const locator = "nvmf://192.168.1.5:4420/nqn.test-subsys"

	var (
		ctx    context.Context
		fabric *fakeFabric
		runner *fakeRunner
		client *Client
		addr   target.Address
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		fabric = newFakeFabric()
		runner = fabric.runner("node-a", 0)
		client = NewClient(runner, WithSettleDelay(0))
		addr, err = target.Parse(locator)
		Expect(err).NotTo(HaveOccurred())
	})

	It("parses the locator", func() {
		Expect(addr).To(Equal(target.Address{Host: "192.168.1.5", Port: 4420, SubsystemID: "nqn.test-subsys"}))
		Expect(addr.String()).To(Equal(locator))
	})

	It("maps the connected subsystem to its namespace and controller", func() {
		By("connecting")
		path, err := client.Connect(ctx, addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("/dev/nvme0n1"))

		By("resolving again from a fresh inventory")
		again, err := client.ResolveDevicePath(ctx, addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(path))
		Expect(runner.countPrefix("nvme list")).To(Equal(2))

		By("resolving the controller by transport address")
		ctrl, err := client.ResolveController(ctx, addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(ctrl).To(Equal("nvme0"))
	})

	It("reports reservations the caller can inspect by key", func() {
		path, err := client.Connect(ctx, addr)
		Expect(err).NotTo(HaveOccurred())

		const key ReservationKey = 0xfeed
		Expect(client.ReservationRegister(ctx, path, ReservationRegisterRequest{NewKey: key})).To(Succeed())
		Expect(client.ReservationAcquire(ctx, path, key, ReservationWriteExclusive, AcquireActionAcquire, 0)).To(Succeed())

		report, err := client.ReservationReport(ctx, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Raw).NotTo(BeEmpty())
		Expect(report.Type).To(BeEquivalentTo(ReservationWriteExclusive))

		reg, ok := report.Registrant(key)
		Expect(ok).To(BeTrue())
		Expect(reg.HostID).To(Equal("node-a"))
		Expect(reg.Status).To(BeEquivalentTo(1))

		_, ok = report.Registrant(0xbad)
		Expect(ok).To(BeFalse())
	})

	It("keeps a second initiator from acquiring a held reservation", func() {
		other := NewClient(fabric.runner("node-b", 1), WithSettleDelay(0))

		pathA, err := client.Connect(ctx, addr)
		Expect(err).NotTo(HaveOccurred())
		pathB, err := other.Connect(ctx, addr)
		Expect(err).NotTo(HaveOccurred())
		Expect(pathB).To(Equal("/dev/nvme1n1"))

		Expect(client.ReservationRegister(ctx, pathA, ReservationRegisterRequest{NewKey: 0xa})).To(Succeed())
		Expect(other.ReservationRegister(ctx, pathB, ReservationRegisterRequest{NewKey: 0xb})).To(Succeed())
		Expect(client.ReservationAcquire(ctx, pathA, 0xa, ReservationWriteExclusive, AcquireActionAcquire, 0)).To(Succeed())

		err = other.ReservationAcquire(ctx, pathB, 0xb, ReservationWriteExclusive, AcquireActionAcquire, 0)
		Expect(err).To(MatchError(ErrConnectionFailed))
		Expect(err.Error()).To(ContainSubstring("RESERVATION_CONFLICT"))

		report, err := other.ReservationReport(ctx, pathB)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Registrants).To(HaveLen(2))
		held, _ := report.Registrant(0xa)
		Expect(held.Status).To(BeEquivalentTo(1))
	})

	It("loses the device after disconnect", func() {
		_, err := client.Connect(ctx, addr)
		Expect(err).NotTo(HaveOccurred())

		Expect(client.Disconnect(ctx, addr)).To(Succeed())

		_, err = client.ResolveDevicePath(ctx, addr)
		Expect(err).To(MatchError(ErrDeviceNotFound))
	})

	It("fails to connect to an unreachable portal", func() {
		unreachable := addr
		unreachable.Port = 4421

		_, err := client.Connect(ctx, unreachable)
		Expect(err).To(MatchError(ErrConnectionFailed))
		Expect(runner.countPrefix("nvme list")).To(BeZero())
	})
})
