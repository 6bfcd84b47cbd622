package supervisor

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// PortInspector lists the PIDs listening on a TCP port.
type PortInspector interface {
	ListenerPIDs(ctx context.Context, port int) ([]int, error)
}

// CommandInspector asks lsof and falls back to ss when lsof is missing or
// reports nothing.
type CommandInspector struct{}

var ssPIDPattern = regexp.MustCompile(`pid=(\d+)`)

func (CommandInspector) ListenerPIDs(ctx context.Context, port int) ([]int, error) {
	p := strconv.Itoa(port)
	var pids []int
	out, lsofErr := exec.CommandContext(ctx, "lsof", "-t", "-i:"+p, "-sTCP:LISTEN").Output()
	if lsofErr == nil || len(out) > 0 {
		pids = parseLsof(out)
	}
	if len(pids) > 0 {
		return pids, nil
	}

	out, ssErr := exec.CommandContext(ctx, "ss", "-lptn", "sport = :"+p).Output()
	if ssErr != nil {
		// lsof exits 1 when nothing listens; only fail when neither tool ran.
		if _, notFound := lsofErr.(*exec.Error); notFound {
			return nil, ssErr
		}
		return nil, nil
	}
	return parseSS(out), nil
}

func parseLsof(out []byte) []int {
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return dedupe(pids)
}

func parseSS(out []byte) []int {
	var pids []int
	for _, line := range bytes.Split(out, []byte("\n")) {
		for _, m := range ssPIDPattern.FindAllSubmatch(line, -1) {
			if pid, err := strconv.Atoi(string(m[1])); err == nil && pid > 0 {
				pids = append(pids, pid)
			}
		}
	}
	return dedupe(pids)
}

func dedupe(pids []int) []int {
	if len(pids) == 0 {
		return nil
	}
	sort.Ints(pids)
	out := pids[:1]
	for _, pid := range pids[1:] {
		if pid != out[len(out)-1] {
			out = append(out, pid)
		}
	}
	return out
}
