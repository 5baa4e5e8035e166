// Package distrib fans update commands out to other cores. Sends are either
// synchronous (the caller waits) or asynchronous (joined by Finish), and
// every failed send is reported as a per-target Error.
package distrib

import (
	"context"
	"strings"
)

// Phase tags where a forwarded update is in the forwarding chain.
type Phase string

const (
	PhaseNone       Phase = "NONE"
	PhaseToLeader   Phase = "TOLEADER"
	PhaseFromLeader Phase = "FROMLEADER"
)

// Request parameters understood by the forwarding protocol.
const (
	ParamPhase          = "update.distrib"
	ParamFrom           = "distrib.from"
	ParamFromParent     = "distrib.from.parent"
	ParamCommitEndPoint = "commit_end_point"
	ParamVersions       = "versions"
	ParamVersion        = "_version_"
	ParamRoute          = "_route_"
)

// ParsePhase reads a phase parameter. Anything unrecognised is PhaseNone.
func ParsePhase(s string) Phase {
	switch Phase(strings.ToUpper(s)) {
	case PhaseToLeader:
		return PhaseToLeader
	case PhaseFromLeader:
		return PhaseFromLeader
	default:
		return PhaseNone
	}
}

// Kind is the command carried by a Request.
type Kind string

const (
	KindAdd           Kind = "add"
	KindDelete        Kind = "delete"
	KindDeleteByQuery Kind = "dbq"
	KindCommit        Kind = "commit"
)

// Request is one command sent to one core.
type Request struct {
	Kind    Kind              `json:"kind"`
	Core    string            `json:"core"`
	Params  map[string]string `json:"params,omitempty"`
	Doc     map[string]any    `json:"doc,omitempty"`
	ID      string            `json:"id,omitempty"`
	Query   string            `json:"query,omitempty"`
	Version int64             `json:"version,omitempty"`
}

// Phase returns the request's distrib phase.
func (r Request) Phase() Phase { return ParsePhase(r.Params[ParamPhase]) }

// Transport delivers requests to the node serving baseURL.
type Transport interface {
	Send(ctx context.Context, baseURL string, req Request) error
	RequestRecovery(ctx context.Context, baseURL, core string) error
}
