package launch

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/status"
)

// VpidPlaceholder marks where the daemon's vpid goes in a command line.
const VpidPlaceholder = "@vpid@"

// NewDaemonNodes returns the job's nodes that do not yet run a daemon, in
// allocation order.
func NewDaemonNodes(job *model.Job) []*model.Node {
	var nodes []*model.Node
	for _, n := range job.Nodes {
		if !n.DaemonLaunched {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// VpidStart returns the lowest vpid assigned to any of nodes' daemons. If
// none is assigned yet it returns the job's next free vpid.
func VpidStart(job *model.Job, nodes []*model.Node) uint32 {
	start, found := uint32(0), false
	for _, n := range nodes {
		d, ok := job.Daemons[n.Name]
		if !ok {
			continue
		}
		if !found || d.Vpid < start {
			start, found = d.Vpid, true
		}
	}
	if !found {
		return job.NextVpid()
	}
	return start
}

// NodeNames lists the names of nodes.
func NodeNames(nodes []*model.Node) []string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

// DaemonArgs builds the daemon command line for job. The install prefix is
// resolved first: an application prefix on the job overrides cfg.Prefix and
// all application prefixes must agree. The vpid is left as VpidPlaceholder.
func DaemonArgs(cfg DaemonConfig, job *model.Job) ([]string, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("no daemon command: %w", status.ErrBadParam)
	}

	prefix, err := installPrefix(cfg, job)
	if err != nil {
		return nil, err
	}

	argv := make([]string, 0, len(cfg.Command)+len(cfg.Args)+4)
	bin := cfg.Command[0]
	if prefix != "" && !path.IsAbs(bin) {
		bin = path.Join(prefix, "bin", bin)
	}
	argv = append(argv, bin)
	argv = append(argv, cfg.Command[1:]...)
	argv = append(argv, "--job="+job.ID, "--vpid="+VpidPlaceholder)
	if cfg.HNPURI != "" {
		argv = append(argv, "--hnp="+cfg.HNPURI)
	}
	if prefix != "" {
		argv = append(argv, "--prefix="+prefix)
	}
	argv = append(argv, cfg.Args...)
	return argv, nil
}

func installPrefix(cfg DaemonConfig, job *model.Job) (string, error) {
	prefix := ""
	var prev *attr.Attribute
	for a := job.Attrs.FetchNext(nil, attr.KeyAppPrefixDir); a != nil; a = job.Attrs.FetchNext(prev, attr.KeyAppPrefixDir) {
		prev = a
		p, ok := a.Value.(string)
		if !ok || p == "" {
			continue
		}
		if prefix != "" && p != prefix {
			return "", fmt.Errorf("conflicting install prefixes %q and %q: %w", prefix, p, status.ErrBadParam)
		}
		prefix = p
	}
	if prefix == "" {
		prefix = cfg.Prefix
	}
	return prefix, nil
}

// SubstituteVpid returns a copy of argv with VpidPlaceholder replaced.
func SubstituteVpid(argv []string, vpid uint32) []string {
	v := strconv.FormatUint(uint64(vpid), 10)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, VpidPlaceholder, v)
	}
	return out
}
