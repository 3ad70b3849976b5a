package runner

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// FirecrackerProcess describes one hypervisor process found in the
// process table.
type FirecrackerProcess struct {
	Pid      int
	VmId     VmId
	BaseDir  string
	IsOrphan bool
}

// MitmproxyProcess describes one mitmproxy/mitmdump helper.
type MitmproxyProcess struct {
	Pid     int
	BaseDir string
}

// RunnerProcess describes one sibling runner process.
type RunnerProcess struct {
	Pid int
}

// Discovery scans /proc to enumerate live hypervisor, mitmproxy, and
// sibling runner processes. Hand-rolled rather than built on a process
// library (gopsutil et al.): spec.md §4.6 requires bit-exact control
// over argv-NUL splitting and the stat-file comm-parenthesis rule,
// which a general-purpose process library abstracts away. Grounded on
// the pack's bare /proc-scanning idiom (os.ReadDir over numeric entries,
// os.ReadFile of /proc/{pid}/cmdline and /proc/{pid}/stat).
type Discovery struct {
	procRoot string
}

// NewDiscovery constructs a Discovery rooted at procRoot, normally
// "/proc". Overridable in tests against a fixture tree.
func NewDiscovery(procRoot string) *Discovery {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Discovery{procRoot: procRoot}
}

func (d *Discovery) pids() ([]int, error) {
	entries, err := os.ReadDir(d.procRoot)
	if err != nil {
		return nil, newErr(KindHostOp, "discovery.pids", err)
	}
	var pids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// argv reads and NUL-splits /proc/{pid}/cmdline, dropping the trailing
// empty token left by the final NUL.
func (d *Discovery) argv(pid int) ([]string, error) {
	data, err := os.ReadFile(d.procRoot + "/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(data), "\x00")
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts, nil
}

// isOrphan reads /proc/{pid}/stat and extracts the parent PID, the
// line's fourth field overall (the second one after comm). The comm field is
// parenthesized and may itself contain ")", so it keys off the *last*
// ")" in the line rather than the first, per spec.md §4.6.
func (d *Discovery) isOrphan(pid int) (bool, error) {
	data, err := os.ReadFile(d.procRoot + "/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false, err
	}
	line := string(data)
	lastParen := strings.LastIndex(line, ")")
	if lastParen < 0 || lastParen+2 >= len(line) {
		return false, newErr(KindHostOp, "discovery.isorphan", errMalformedStat)
	}
	fields := strings.Fields(line[lastParen+2:])
	// fields[0] = state, fields[1] = ppid
	if len(fields) < 2 {
		return false, newErr(KindHostOp, "discovery.isorphan", errMalformedStat)
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return false, newErr(KindHostOp, "discovery.isorphan", err)
	}
	return ppid == 1, nil
}

// parseFirecracker implements spec.md §4.6's hypervisor parser: first
// argv token must contain "firecracker"; look for --api-sock or
// --config-file and extract the vm0-{hex} path segment plus the prefix
// before "/workspaces/vm0-…/" as the base directory.
func parseFirecracker(argv []string) (vmId VmId, baseDir string, ok bool) {
	if len(argv) == 0 || !strings.Contains(argv[0], "firecracker") {
		return "", "", false
	}
	var path string
	for i, a := range argv {
		if (a == "--api-sock" || a == "--config-file") && i+1 < len(argv) {
			path = argv[i+1]
			break
		}
	}
	if path == "" {
		return "", "", false
	}
	return extractVmSegment(path)
}

// extractVmSegment finds the "vm0-vm-{hex}" (or "vm0-{hex}") path
// segment in path and returns the recovered VmId and the directory
// prefix before it. Per spec.md §4.6, baseDir is the prefix before
// "/workspaces/vm0-…/", not merely before "vm0-…/" — a trailing
// "/workspaces" segment on the raw prefix is stripped off.
func extractVmSegment(path string) (vmId VmId, baseDir string, ok bool) {
	const marker = "vm0-"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return "", "", false
	}
	rest := path[idx+len(marker):]
	rest = strings.TrimPrefix(rest, "vm-")
	end := strings.IndexAny(rest, "/\x00")
	if end < 0 {
		end = len(rest)
	}
	id := rest[:end]
	if id == "" {
		return "", "", false
	}
	prefix := strings.TrimSuffix(path[:idx], "/")
	prefix = strings.TrimSuffix(prefix, "/workspaces")
	return VmId(id), prefix, true
}

// parseMitmproxy implements spec.md §4.6's mitmproxy parser: first argv
// token contains "mitmproxy" or "mitmdump"; scan all tokens for
// vm0_registry_path={baseDir}/vm-registry.json.
func parseMitmproxy(argv []string) (baseDir string, ok bool) {
	if len(argv) == 0 {
		return "", false
	}
	if !strings.Contains(argv[0], "mitmproxy") && !strings.Contains(argv[0], "mitmdump") {
		return "", false
	}
	const marker = "vm0_registry_path="
	const suffix = "/vm-registry.json"
	for _, a := range argv {
		if idx := strings.Index(a, marker); idx >= 0 {
			val := a[idx+len(marker):]
			if strings.HasSuffix(val, suffix) {
				return strings.TrimSuffix(val, suffix), true
			}
		}
	}
	return "", false
}

// parseRunner implements spec.md §4.6's runner parser: either argv
// contains "start" or "benchmark" followed later by "--config
// <*.yaml>", or argv looks like "node index.js" and the process's cwd
// contains a runner.yaml.
func parseRunner(argv []string, cwd string, cwdHasRunnerYAML func(string) bool) bool {
	sawVerb := false
	for i, a := range argv {
		if a == "start" || a == "benchmark" {
			sawVerb = true
		}
		if sawVerb && a == "--config" && i+1 < len(argv) && strings.HasSuffix(argv[i+1], ".yaml") {
			return true
		}
	}
	if len(argv) >= 2 && strings.Contains(argv[0], "node") && strings.HasSuffix(argv[1], "index.js") {
		if cwdHasRunnerYAML != nil && cwdHasRunnerYAML(cwd) {
			return true
		}
	}
	return false
}

// FindFirecrackerProcesses enumerates live hypervisor processes.
func (d *Discovery) FindFirecrackerProcesses() ([]FirecrackerProcess, error) {
	pids, err := d.pids()
	if err != nil {
		return nil, err
	}
	var procs []FirecrackerProcess
	for _, pid := range pids {
		argv, err := d.argv(pid)
		if err != nil {
			continue // process exited mid-scan
		}
		vmId, baseDir, ok := parseFirecracker(argv)
		if !ok {
			continue
		}
		orphan, err := d.isOrphan(pid)
		if err != nil {
			continue
		}
		procs = append(procs, FirecrackerProcess{Pid: pid, VmId: vmId, BaseDir: baseDir, IsOrphan: orphan})
	}
	return procs, nil
}

// FindProcessByVmId returns the hypervisor process owning vmId, if any.
func (d *Discovery) FindProcessByVmId(vmId VmId) (FirecrackerProcess, bool) {
	procs, err := d.FindFirecrackerProcesses()
	if err != nil {
		return FirecrackerProcess{}, false
	}
	for _, p := range procs {
		if p.VmId == vmId {
			return p, true
		}
	}
	return FirecrackerProcess{}, false
}

// FindMitmproxyProcesses enumerates live mitmproxy/mitmdump helpers.
func (d *Discovery) FindMitmproxyProcesses() ([]MitmproxyProcess, error) {
	pids, err := d.pids()
	if err != nil {
		return nil, err
	}
	var procs []MitmproxyProcess
	for _, pid := range pids {
		argv, err := d.argv(pid)
		if err != nil {
			continue
		}
		baseDir, ok := parseMitmproxy(argv)
		if !ok {
			continue
		}
		procs = append(procs, MitmproxyProcess{Pid: pid, BaseDir: baseDir})
	}
	return procs, nil
}

// FindRunnerProcesses enumerates sibling runner processes.
func (d *Discovery) FindRunnerProcesses() ([]RunnerProcess, error) {
	pids, err := d.pids()
	if err != nil {
		return nil, err
	}
	var procs []RunnerProcess
	for _, pid := range pids {
		argv, err := d.argv(pid)
		if err != nil {
			continue
		}
		cwd, err := os.Readlink(d.procRoot + "/" + strconv.Itoa(pid) + "/cwd")
		if err != nil {
			cwd = ""
		}
		if parseRunner(argv, cwd, d.cwdHasRunnerYAML) {
			procs = append(procs, RunnerProcess{Pid: pid})
		}
	}
	return procs, nil
}

func (d *Discovery) cwdHasRunnerYAML(cwd string) bool {
	if cwd == "" {
		return false
	}
	_, err := os.Stat(cwd + "/runner.yaml")
	return err == nil
}

var errMalformedStat = errors.New("malformed /proc/[pid]/stat")
