// Package mount inspects where NVMe block devices are mounted on a host.
package mount

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fenio/tns-nvmf/pkg/hostexec"
)

const findmntTimeout = 10 * time.Second

// MountPoints returns the targets device is mounted on. An unmounted device
// yields an empty list.
func MountPoints(ctx context.Context, runner hostexec.Runner, device string) ([]string, error) {
	checkCtx, cancel := context.WithTimeout(ctx, findmntTimeout)
	defer cancel()
	output, err := runner.Run(checkCtx, "findmnt", "-n", "-l", "-o", "TARGET", "-S", device)
	if err != nil {
		// findmnt exits 1 when nothing matches
		if notFound(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to check mounts of %s: %w", device, err)
	}

	targets := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			targets = append(targets, line)
		}
	}
	return targets, nil
}

// IsDeviceMounted reports whether device has at least one mount.
func IsDeviceMounted(ctx context.Context, runner hostexec.Runner, device string) (bool, error) {
	targets, err := MountPoints(ctx, runner, device)
	if err != nil {
		return false, err
	}
	return len(targets) > 0, nil
}

// Table returns every mount on the host keyed by source device, with the
// targets of each source sorted. Bind mounts of block device nodes, which
// findmnt reports as "udev[/nvme0n1]", are keyed by their /dev path.
func Table(ctx context.Context, runner hostexec.Runner) (map[string][]string, error) {
	checkCtx, cancel := context.WithTimeout(ctx, findmntTimeout)
	defer cancel()
	output, err := runner.Run(checkCtx, "findmnt", "-n", "-l", "-o", "SOURCE,TARGET")
	if err != nil {
		if notFound(err) {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("failed to list mounts: %w", err)
	}
	return ParseTable(output), nil
}

// ParseTable parses `findmnt -n -l -o SOURCE,TARGET` output.
func ParseTable(output []byte) map[string][]string {
	table := map[string][]string{}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		source := normalizeSource(fields[0])
		table[source] = append(table[source], fields[1])
	}
	for _, targets := range table {
		sort.Strings(targets)
	}
	return table
}

func normalizeSource(source string) string {
	open := strings.IndexByte(source, '[')
	if open < 0 || !strings.HasSuffix(source, "]") {
		return source
	}
	inner := source[open+1 : len(source)-1]
	if strings.HasPrefix(inner, "/nvme") {
		return "/dev" + inner
	}
	return source
}

func notFound(err error) bool {
	var exitErr *hostexec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode == 1 && strings.TrimSpace(exitErr.Stderr) == ""
}
