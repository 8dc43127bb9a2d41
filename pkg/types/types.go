package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidConfig is returned when a set of node entries fails validation
var ErrInvalidConfig = errors.New("invalid cluster configuration")

// NodeEntry is one host in the desired cluster configuration
type NodeEntry struct {
	Host           string        `yaml:"host" json:"host"`
	Core           bool          `yaml:"core" json:"core"`
	AutoConfigured bool          `yaml:"autoConfigured,omitempty" json:"autoConfigured,omitempty"`
	Services       []ServiceSpec `yaml:"services" json:"services"`

	// Online is runtime state maintained by the controller and never persisted
	Online bool `yaml:"-" json:"-"`
}

// ServiceSpec describes one configured, possibly replicated, process type
type ServiceSpec struct {
	Name        string   `yaml:"name" json:"name" cbor:"name"`
	Command     string   `yaml:"command" json:"command" cbor:"command"`
	Args        []string `yaml:"args,omitempty" json:"args,omitempty" cbor:"args,omitempty"`
	WorkingDir  string   `yaml:"workingDir,omitempty" json:"workingDir,omitempty" cbor:"workingDir,omitempty"`
	Launcher    string   `yaml:"launcher,omitempty" json:"launcher,omitempty" cbor:"launcher,omitempty"`
	Count       int      `yaml:"count" json:"count" cbor:"count"`
	Env         []EnvVar `yaml:"env,omitempty" json:"env,omitempty" cbor:"env,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty" cbor:"description,omitempty"`
}

// EnvVar is an environment variable set on a launched process. When Sep is
// set and the variable already exists, Value is appended to it.
type EnvVar struct {
	Key   string `yaml:"key" json:"key" cbor:"key"`
	Value string `yaml:"value" json:"value" cbor:"value"`
	Sep   string `yaml:"sep,omitempty" json:"sep,omitempty" cbor:"sep,omitempty"`
}

// Launcher kinds understood by node agents
const (
	LauncherGeneric = "generic"
	LauncherSimple  = "simple"
)

// ServiceDescriptor is the live-state record for one replica of a service
type ServiceDescriptor struct {
	Host     string      `json:"host" cbor:"host"`
	Instance int         `json:"instance" cbor:"instance"`
	Rank     int         `json:"rank" cbor:"rank"`
	State    State       `json:"state" cbor:"state"`
	Fatal    bool        `json:"fatal" cbor:"fatal"`
	Restarts int         `json:"restarts" cbor:"restarts"`
	Spec     ServiceSpec `json:"spec" cbor:"spec"`
}

// DescriptorID composes the identity of a replica: host:service:instance
func DescriptorID(host, service string, instance int) string {
	return host + ":" + service + ":" + strconv.Itoa(instance)
}

// ParseDescriptorID splits an identity produced by DescriptorID
func ParseDescriptorID(id string) (host, service string, instance int, err error) {
	i := strings.LastIndex(id, ":")
	if i < 0 {
		return "", "", 0, fmt.Errorf("malformed descriptor id %q", id)
	}
	j := strings.LastIndex(id[:i], ":")
	if j < 0 {
		return "", "", 0, fmt.Errorf("malformed descriptor id %q", id)
	}
	instance, err = strconv.Atoi(id[i+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed descriptor id %q: %w", id, err)
	}
	return id[:j], id[j+1 : i], instance, nil
}

// ID returns the descriptor identity
func (d ServiceDescriptor) ID() string {
	return DescriptorID(d.Host, d.Spec.Name, d.Instance)
}

// IsAlive reports whether the replica is running or being asked to stop
func (d ServiceDescriptor) IsAlive() bool {
	switch d.State {
	case StateRunning, StateShuttingDown, StateShuttingDownNoRestart:
		return true
	}
	return false
}

// NodeKind identifies what a cluster member is
type NodeKind string

const (
	NodeKindMaster   NodeKind = "master"
	NodeKindAgent    NodeKind = "agent"
	NodeKindObserver NodeKind = "observer"
)

// Address is the transport identity of a cluster member. It is comparable
// and can be used as a map key.
type Address struct {
	Host     string   `json:"host" cbor:"host"`
	Kind     NodeKind `json:"kind" cbor:"kind"`
	Endpoint string   `json:"endpoint,omitempty" cbor:"endpoint,omitempty"`
}

func (a Address) String() string {
	if a.Endpoint == "" {
		return string(a.Kind) + "/" + a.Host
	}
	return string(a.Kind) + "/" + a.Host + "@" + a.Endpoint
}

// ClusterView is the set of currently reachable members
type ClusterView struct {
	Version uint64    `json:"version"`
	Members []Address `json:"members"`
}

// Contains reports whether addr is a member of the view
func (v ClusterView) Contains(addr Address) bool {
	for _, m := range v.Members {
		if m == addr {
			return true
		}
	}
	return false
}

// AgentHosts returns the hosts of every agent member in the view
func (v ClusterView) AgentHosts() map[string]Address {
	hosts := make(map[string]Address)
	for _, m := range v.Members {
		if m.Kind == NodeKindAgent {
			hosts[m.Host] = m
		}
	}
	return hosts
}

// Masters returns every master member in the view
func (v ClusterView) Masters() []Address {
	var masters []Address
	for _, m := range v.Members {
		if m.Kind == NodeKindMaster {
			masters = append(masters, m)
		}
	}
	return masters
}

// MessageKind discriminates the payload of a Message
type MessageKind string

const (
	MessageCommand MessageKind = "command"
	MessageStatus  MessageKind = "status"
)

// Message is exchanged between the controller and node agents
type Message struct {
	ID      string          `cbor:"id"`
	Kind    MessageKind     `cbor:"kind"`
	SentAt  time.Time       `cbor:"sentAt"`
	Command *ServiceCommand `cbor:"command,omitempty"`
	Status  *ServiceStatus  `cbor:"status,omitempty"`
}

// ServiceCommand asks an agent to move a replica to State
type ServiceCommand struct {
	Descriptor ServiceDescriptor `cbor:"descriptor"`
	State      State             `cbor:"state"`
}

// ServiceStatus reports the state of a replica as seen by its agent
type ServiceStatus struct {
	Descriptor ServiceDescriptor `cbor:"descriptor"`
}

// NewCommandMessage wraps a command with a fresh message id
func NewCommandMessage(desc ServiceDescriptor, state State) *Message {
	return &Message{
		ID:      uuid.New().String(),
		Kind:    MessageCommand,
		SentAt:  time.Now(),
		Command: &ServiceCommand{Descriptor: desc, State: state},
	}
}

// NewStatusMessage wraps a status report with a fresh message id
func NewStatusMessage(desc ServiceDescriptor) *Message {
	return &Message{
		ID:     uuid.New().String(),
		Kind:   MessageStatus,
		SentAt: time.Now(),
		Status: &ServiceStatus{Descriptor: desc},
	}
}

// ValidateEntries checks that hosts are unique and that service names are
// unique per host.
func ValidateEntries(entries []NodeEntry) error {
	hosts := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Host == "" {
			return fmt.Errorf("%w: node entry without host", ErrInvalidConfig)
		}
		if hosts[e.Host] {
			return fmt.Errorf("%w: duplicate host %s", ErrInvalidConfig, e.Host)
		}
		hosts[e.Host] = true

		names := make(map[string]bool, len(e.Services))
		for _, s := range e.Services {
			if s.Name == "" {
				return fmt.Errorf("%w: service without name on host %s", ErrInvalidConfig, e.Host)
			}
			if strings.Contains(s.Name, ":") {
				return fmt.Errorf("%w: service name %q on host %s contains ':'", ErrInvalidConfig, s.Name, e.Host)
			}
			if names[s.Name] {
				return fmt.Errorf("%w: duplicate service %s on host %s", ErrInvalidConfig, s.Name, e.Host)
			}
			if s.Count < 0 {
				return fmt.Errorf("%w: negative count for service %s on host %s", ErrInvalidConfig, s.Name, e.Host)
			}
			names[s.Name] = true
		}
	}
	return nil
}

// CloneEntries returns a deep copy of entries
func CloneEntries(entries []NodeEntry) []NodeEntry {
	if entries == nil {
		return nil
	}
	out := make([]NodeEntry, len(entries))
	for i, e := range entries {
		out[i] = e
		out[i].Services = make([]ServiceSpec, len(e.Services))
		for j, s := range e.Services {
			out[i].Services[j] = s.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the spec
func (s ServiceSpec) Clone() ServiceSpec {
	c := s
	if s.Args != nil {
		c.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		c.Env = append([]EnvVar(nil), s.Env...)
	}
	return c
}
