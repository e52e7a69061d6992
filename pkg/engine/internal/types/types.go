// Package types holds identifiers and small shared value types used across
// the planner, executor, and registry.
package types

import (
	"fmt"

	"go.uber.org/atomic"
)

// QueryID identifies a query process-wide.
type QueryID uint64

// EngineID identifies an engine (a per-server executable plan snippet)
// process-wide. EngineIDs are numerically disjoint from QueryIDs.
type EngineID uint64

func (id QueryID) String() string  { return fmt.Sprintf("q/%d", uint64(id)) }
func (id EngineID) String() string { return fmt.Sprintf("e/%d", uint64(id)) }

// Query ids are odd, engine ids are even. This keeps the two namespaces
// numerically disjoint while both remain monotonic.
var (
	nextQueryID  = atomic.NewUint64(1001)
	nextEngineID = atomic.NewUint64(2000)
)

// NewQueryID returns a process-unique query id.
func NewQueryID() QueryID { return QueryID(nextQueryID.Add(2)) }

// NewEngineID returns a process-unique engine id.
func NewEngineID() EngineID { return EngineID(nextEngineID.Add(2)) }

// ServerRole is the role of the local server within the cluster.
type ServerRole uint8

const (
	RoleSingle ServerRole = iota
	RoleCoordinator
	RoleDBServer
)

func (r ServerRole) String() string {
	switch r {
	case RoleSingle:
		return "single"
	case RoleCoordinator:
		return "coordinator"
	case RoleDBServer:
		return "dbserver"
	}
	return "unknown"
}

// IsDBServer reports whether the role executes shard-resident snippets.
// Data servers are forbidden from minting document keys.
func (r ServerRole) IsDBServer() bool { return r == RoleDBServer }

// KillSwitch is the kill flag of a query, shared between the registry and
// every executor block belonging to the query. Setting it is sticky.
type KillSwitch struct {
	flag atomic.Bool
}

// Kill sets the flag. Blocks observe it at their next call boundary.
func (k *KillSwitch) Kill() { k.flag.Store(true) }

// Killed reports whether the query has been killed.
func (k *KillSwitch) Killed() bool { return k.flag.Load() }

// AccessMode is the access mode a query requests on a collection.
type AccessMode uint8

const (
	AccessRead AccessMode = iota
	AccessWrite
	AccessExclusive
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExclusive:
		return "exclusive"
	}
	return "unknown"
}
