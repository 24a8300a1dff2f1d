package nvme

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

var (
	sysfsControllerRe = regexp.MustCompile(`^nvme(\d+)$`)
	// nvme0n1 is a private namespace, nvme0c1n1 a path below a multipath head nvme0n1.
	sysfsNamespaceRe = regexp.MustCompile(`^nvme(\d+)(c\d+)?n(\d+)$`)
)

// SysfsInventory lists devices by reading the per-controller sysfs
// attributes under Root (default /sys/class/nvme). It only sees the host the
// process runs on.
type SysfsInventory struct {
	Root string
}

// ListDevices implements Lister.
func (s *SysfsInventory) ListDevices(_ context.Context) ([]Device, error) {
	root := s.Root
	if root == "" {
		root = DefaultSysfsRoot
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Device{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if sysfsControllerRe.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return controllerIndex(names[i]) < controllerIndex(names[j])
	})

	var devices []Device
	byNQN := map[string]int{}
	for _, name := range names {
		dir := filepath.Join(root, name)
		nqn := readSysfsAttr(dir, "subsysnqn")
		if nqn == "" {
			klog.V(5).Infof("Skipping %s: no subsysnqn", name)
			continue
		}

		ctrl := Controller{
			Name:         name,
			Transport:    readSysfsAttr(dir, "transport"),
			Address:      readSysfsAttr(dir, "address"),
			SerialNumber: readSysfsAttr(dir, "serial"),
			ModelNumber:  readSysfsAttr(dir, "model"),
			Firmware:     readSysfsAttr(dir, "firmware_rev"),
		}
		if v, err := strconv.ParseUint(readSysfsAttr(dir, "cntlid"), 0, 64); err == nil {
			ctrl.Cntlid = v
		}

		idx, seen := byNQN[nqn]
		if !seen {
			devices = append(devices, Device{SubsystemNQN: nqn})
			idx = len(devices) - 1
			byNQN[nqn] = idx
		}

		private, heads := readSysfsNamespaces(dir)
		ctrl.Namespaces = private
		dev := &devices[idx]
		dev.Controllers = append(dev.Controllers, ctrl)
		for _, head := range heads {
			if !hasNamespace(dev.Namespaces, head.Name) {
				dev.Namespaces = append(dev.Namespaces, head)
			}
		}
	}

	if devices == nil {
		devices = []Device{}
	}
	return devices, nil
}

// readSysfsNamespaces returns the private namespaces of a controller and the
// multipath head namespaces its paths belong to.
func readSysfsNamespaces(ctrlDir string) (private, heads []Namespace) {
	entries, err := os.ReadDir(ctrlDir)
	if err != nil {
		return nil, nil
	}
	for _, entry := range entries {
		m := sysfsNamespaceRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		ns := Namespace{Name: "nvme" + m[1] + "n" + m[3]}
		if v, err := strconv.ParseUint(readSysfsAttr(filepath.Join(ctrlDir, entry.Name()), "nsid"), 10, 64); err == nil {
			ns.NSID = v
		} else if v, err := strconv.ParseUint(m[3], 10, 64); err == nil {
			ns.NSID = v
		}
		if m[2] == "" {
			private = append(private, ns)
		} else {
			heads = append(heads, ns)
		}
	}
	return private, heads
}

func readSysfsAttr(dir, attr string) string {
	//nolint:gosec // Reading NVMe controller attributes from the sysfs tree
	data, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func hasNamespace(list []Namespace, name string) bool {
	for _, ns := range list {
		if ns.Name == name {
			return true
		}
	}
	return false
}

func controllerIndex(name string) int {
	m := sysfsControllerRe.FindStringSubmatch(name)
	if m == nil {
		return -1
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
