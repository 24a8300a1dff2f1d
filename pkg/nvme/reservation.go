package nvme

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fenio/tns-nvmf/pkg/metrics"
	"k8s.io/klog/v2"
)

// ReservationKey is an opaque 64-bit persistent reservation key. The caller
// owns keys and supplies one on every call.
type ReservationKey uint64

// String formats the key as 0x-prefixed hex.
func (k ReservationKey) String() string {
	return "0x" + strconv.FormatUint(uint64(k), 16)
}

// arg formats the key for nvme-cli.
func (k ReservationKey) arg() string {
	return k.String()
}

// ParseReservationKey parses a decimal or 0x-prefixed hex key.
func ParseReservationKey(s string) (ReservationKey, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid reservation key %q: %w", s, err)
	}
	return ReservationKey(v), nil
}

// ReservationType is the NVMe reservation type (rtype).
type ReservationType uint8

// Reservation types.
const (
	ReservationWriteExclusive                 ReservationType = 1
	ReservationExclusiveAccess                ReservationType = 2
	ReservationWriteExclusiveRegistrantsOnly  ReservationType = 3
	ReservationExclusiveAccessRegistrantsOnly ReservationType = 4
	ReservationWriteExclusiveAllRegistrants   ReservationType = 5
	ReservationExclusiveAccessAllRegistrants  ReservationType = 6
)

// RegisterAction is the resv-register action (rrega).
type RegisterAction uint8

// Register actions.
const (
	RegisterActionRegister   RegisterAction = 0
	RegisterActionUnregister RegisterAction = 1
	RegisterActionReplace    RegisterAction = 2
)

// AcquireAction is the resv-acquire action (racqa).
type AcquireAction uint8

// Acquire actions.
const (
	AcquireActionAcquire         AcquireAction = 0
	AcquireActionPreempt         AcquireAction = 1
	AcquireActionPreemptAndAbort AcquireAction = 2
)

// ReleaseAction is the resv-release action (rrela).
type ReleaseAction uint8

// Release actions.
const (
	ReleaseActionRelease ReleaseAction = 0
	ReleaseActionClear   ReleaseAction = 1
)

// ReservationReport is the decoded `nvme resv-report -o json` document.
// Raw keeps the command output byte for byte.
type ReservationReport struct {
	Raw         json.RawMessage `json:"-"           yaml:"-"`
	Registrants []Registrant    `json:"registrants" yaml:"registrants"`
	Generation  uint64          `json:"generation"  yaml:"generation"`
	Type        uint64          `json:"type"        yaml:"type"`
	// RegisteredControllers is regctl as reported by the controller.
	RegisteredControllers uint64 `json:"registeredControllers" yaml:"registeredControllers"`
	PTPLState             uint64 `json:"ptplState"             yaml:"ptplState"`
}

// Registrant is one registered controller in a reservation report.
type Registrant struct {
	HostID string         `json:"hostId" yaml:"hostId"`
	Key    ReservationKey `json:"key"    yaml:"key"`
	Cntlid uint64         `json:"cntlid" yaml:"cntlid"`
	Status uint64         `json:"status" yaml:"status"`
}

// Registrant returns the registrant holding key, if any.
func (r *ReservationReport) Registrant(key ReservationKey) (*Registrant, bool) {
	for i := range r.Registrants {
		if r.Registrants[i].Key == key {
			return &r.Registrants[i], true
		}
	}
	return nil, false
}

type rawReport struct {
	Gen      flexUint        `json:"gen"`
	RType    flexUint        `json:"rtype"`
	RegCtl   flexUint        `json:"regctl"`
	PTPLS    flexUint        `json:"ptpls"`
	RegCtlEx []rawRegistrant `json:"regctlext"`
	RegCtlDS []rawRegistrant `json:"regctl_ds"`
}

type rawRegistrant struct {
	Cntlid flexUint   `json:"cntlid"`
	RCSts  flexUint   `json:"rcsts"`
	HostID flexString `json:"hostid"`
	RKey   flexUint   `json:"rkey"`
}

// flexString accepts a JSON string or number; nvme-cli prints hostid as a
// number in the plain data structure and as hex in the extended one.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid string field %s: %w", data, err)
	}
	*f = flexString(n.String())
	return nil
}

// ReservationReport returns the reservation status of devicePath's namespace
// using the extended data structure.
func (c *Client) ReservationReport(ctx context.Context, devicePath string) (*ReservationReport, error) {
	timer := c.observe(metrics.OpReservationReport)
	out, err := c.nvme(ctx, "resv-report", devicePath, "-c", "1", "-o", "json")
	if err != nil {
		timer.ObserveError()
		return nil, err
	}
	report, err := ParseReservationReport(out)
	timer.Observe(err)
	return report, err
}

// ParseReservationReport decodes resv-report JSON and keeps the raw bytes.
func ParseReservationReport(data []byte) (*ReservationReport, error) {
	trimmed := bytes.TrimSpace(data)
	var raw rawReport
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: resv-report: %w", ErrMalformedOutput, err)
	}

	regs := raw.RegCtlEx
	if len(regs) == 0 {
		regs = raw.RegCtlDS
	}

	report := &ReservationReport{
		Raw:                   append(json.RawMessage(nil), trimmed...),
		Registrants:           make([]Registrant, 0, len(regs)),
		Generation:            uint64(raw.Gen),
		Type:                  uint64(raw.RType),
		RegisteredControllers: uint64(raw.RegCtl),
		PTPLState:             uint64(raw.PTPLS),
	}
	for _, r := range regs {
		report.Registrants = append(report.Registrants, Registrant{
			HostID: string(r.HostID),
			Key:    ReservationKey(r.RKey),
			Cntlid: uint64(r.Cntlid),
			Status: uint64(r.RCSts),
		})
	}
	return report, nil
}

// ReservationRegisterRequest describes a resv-register call.
type ReservationRegisterRequest struct {
	Action     RegisterAction
	CurrentKey ReservationKey
	NewKey     ReservationKey
	// IgnoreExistingKey skips the current key check (iekey).
	IgnoreExistingKey bool
	// PersistThroughPowerLoss sets cptpl=3 when true.
	PersistThroughPowerLoss bool
}

// ReservationRegister registers, unregisters or replaces this host's key.
func (c *Client) ReservationRegister(ctx context.Context, devicePath string, req ReservationRegisterRequest) error {
	timer := c.observe(metrics.OpReservationRegister)
	args := []string{
		"resv-register", devicePath,
		"-r", strconv.Itoa(int(req.Action)),
		"-c", req.CurrentKey.arg(),
		"-k", req.NewKey.arg(),
	}
	if req.IgnoreExistingKey {
		args = append(args, "-i")
	}
	if req.PersistThroughPowerLoss {
		args = append(args, "-p", "3")
	}
	klog.V(4).Infof("Reservation register action=%d on %s (%s)", req.Action, devicePath, c.Host())
	_, err := c.nvme(ctx, args...)
	timer.Observe(err)
	return err
}

// ReservationAcquire acquires or preempts a reservation with key.
// preemptKey is only meaningful for the preempt actions.
func (c *Client) ReservationAcquire(ctx context.Context, devicePath string, key ReservationKey,
	rtype ReservationType, action AcquireAction, preemptKey ReservationKey,
) error {
	timer := c.observe(metrics.OpReservationAcquire)
	args := []string{
		"resv-acquire", devicePath,
		"-c", key.arg(),
		"-t", strconv.Itoa(int(rtype)),
		"-a", strconv.Itoa(int(action)),
	}
	if action != AcquireActionAcquire {
		args = append(args, "-p", preemptKey.arg())
	}
	klog.V(4).Infof("Reservation acquire type=%d action=%d on %s (%s)", rtype, action, devicePath, c.Host())
	_, err := c.nvme(ctx, args...)
	timer.Observe(err)
	return err
}

// ReservationRelease releases or clears the reservation held with key.
func (c *Client) ReservationRelease(ctx context.Context, devicePath string, key ReservationKey,
	rtype ReservationType, action ReleaseAction,
) error {
	timer := c.observe(metrics.OpReservationRelease)
	args := []string{
		"resv-release", devicePath,
		"-c", key.arg(),
		"-t", strconv.Itoa(int(rtype)),
		"-a", strconv.Itoa(int(action)),
	}
	klog.V(4).Infof("Reservation release type=%d action=%d on %s (%s)", rtype, action, devicePath, c.Host())
	_, err := c.nvme(ctx, args...)
	timer.Observe(err)
	return err
}
