package attr

import "strconv"

// Key names an attribute. Each subsystem owns a disjoint range of keys so
// that independently registered subsystems never collide.
type Key uint32

// Built-in key ranges. Keys at or above BuiltinKeyMax are resolved by a
// registered converter.
const (
	AppKeyBase       Key = 0
	NodeKeyBase      Key = 100
	JobKeyBase       Key = 200
	ProcKeyBase      Key = 300
	TransportKeyBase Key = 400
	EventKeyBase     Key = 500
	BuiltinKeyMax    Key = 600
)

// Application keys.
const (
	KeyAppPrefixDir Key = AppKeyBase + iota
	KeyAppArgv
	KeyAppEnvar
	KeyAppMaxRestarts
)

// Node keys.
const (
	KeyNodeName Key = NodeKeyBase + iota
	KeyNodeSlots
	KeyNodePrefixDir
	KeyNodeLaunchID
)

// Job keys.
const (
	KeyJobID Key = JobKeyBase + iota
	KeyJobNumProcs
	KeyJobErrorCause
	KeyCoLaunchedJob
	KeyJobLaunchTime
	KeyJobRestarts
	KeyJobDaemonVpidStart
	KeyJobLauncher
)

// Process keys.
const (
	KeyProcExitCode Key = ProcKeyBase + iota
	KeyProcNode
	KeyProcLocalRank
	KeyProcPid
	KeyDaemonVpid
)

// Transport keys.
const (
	KeyTransportURI Key = TransportKeyBase + iota
	KeyTransportNetwork
	KeyTransportHeartbeat
)

// Event keys.
const (
	KeyEventReturnObject Key = EventKeyBase + iota
	KeyEventAffectedProc
	KeyEventSignal
	KeyEventDetail
	KeyEventRemoteOrigin
)

var builtinKeys = map[Key]string{
	KeyAppPrefixDir:   "app.prefix_dir",
	KeyAppArgv:        "app.argv",
	KeyAppEnvar:       "app.envar",
	KeyAppMaxRestarts: "app.max_restarts",

	KeyNodeName:      "node.name",
	KeyNodeSlots:     "node.slots",
	KeyNodePrefixDir: "node.prefix_dir",
	KeyNodeLaunchID:  "node.launch_id",

	KeyJobID:              "job.id",
	KeyJobNumProcs:        "job.num_procs",
	KeyJobErrorCause:      "job.error_cause",
	KeyCoLaunchedJob:      "job.co_launched",
	KeyJobLaunchTime:      "job.launch_time",
	KeyJobRestarts:        "job.restarts",
	KeyJobDaemonVpidStart: "job.daemon_vpid_start",
	KeyJobLauncher:        "job.launcher",

	KeyProcExitCode:  "proc.exit_code",
	KeyProcNode:      "proc.node",
	KeyProcLocalRank: "proc.local_rank",
	KeyProcPid:       "proc.pid",
	KeyDaemonVpid:    "proc.daemon_vpid",

	KeyTransportURI:       "transport.uri",
	KeyTransportNetwork:   "transport.network",
	KeyTransportHeartbeat: "transport.heartbeat",

	KeyEventReturnObject: "event.return_object",
	KeyEventAffectedProc: "event.affected_proc",
	KeyEventSignal:       "event.signal",
	KeyEventDetail:       "event.detail",
	KeyEventRemoteOrigin: "event.remote_origin",
}

// Name returns the built-in name of key, or its number when the key is not
// built in. Use Converters.KeyToString for extension keys.
func Name(key Key) string {
	if s, ok := builtinKeys[key]; ok {
		return s
	}
	return "key(" + strconv.FormatUint(uint64(key), 10) + ")"
}
