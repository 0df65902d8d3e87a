package shard

import (
	"fmt"
	"strings"
)

// State is a shard's position in its lease and recovery lifecycle.
type State int

const (
	StateInitial State = iota
	StateToWaitMeta
	StateWaitMeta
	StateDelayLeaseAcquisition
	StateYield
	StateCreateLease
	StateCreateNoLease
	StateRequestLease
	StateGetSeqno
	StateUpdate1
	StateMutualRedo
	StateUpdate2
	StateRW
	StateSwitchBack
	StateSwitchBack2
	StateToShutdown
	StateShutdown
	numStates
)

// MetaSource says who is entitled to write the shard's meta-data while in a
// state.
type MetaSource int

const (
	SourceOther MetaSource = iota
	SourceSelf
)

// LeaseReq is what a state requires of the lease.
type LeaseReq int

const (
	LeaseNone LeaseReq = iota
	LeaseRequest
	LeaseRenew
)

// Access is the client access a state allows.
type Access int

const (
	AccessNone  Access = 0
	AccessRead  Access = 1
	AccessWrite Access = 2

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read_write"
	}
	return fmt.Sprintf("access(%d)", int(a))
}

type stateInfo struct {
	name   string
	source MetaSource
	lease  LeaseReq
	access Access
	enter  func(*Shard)
	leave  func(*Shard)
}

var shardStates [numStates]stateInfo

func init() {
	shardStates = [numStates]stateInfo{
		StateInitial:               {name: "INITIAL"},
		StateToWaitMeta:            {name: "TO_WAIT_META", enter: (*Shard).enterToWaitMeta, leave: (*Shard).cancelTimer},
		StateWaitMeta:              {name: "WAIT_META", enter: (*Shard).enterWaitMeta, leave: (*Shard).cancelTimer},
		StateDelayLeaseAcquisition: {name: "DELAY_LEASE_ACQUISITION", enter: (*Shard).enterDelay, leave: (*Shard).cancelTimer},
		StateYield:                 {name: "YIELD", enter: (*Shard).enterYield, leave: (*Shard).cancelTimer},
		StateCreateLease:           {name: "CREATE_LEASE", source: SourceSelf, lease: LeaseRequest},
		StateCreateNoLease:         {name: "CREATE_NO_LEASE", source: SourceSelf},
		StateRequestLease:          {name: "REQUEST_LEASE", source: SourceSelf, lease: LeaseRequest, enter: (*Shard).enterRequestLease},
		StateGetSeqno:              {name: "GET_SEQNO", source: SourceSelf, lease: LeaseRenew, enter: (*Shard).enterGetSeqno},
		StateUpdate1:               {name: "UPDATE_1", source: SourceSelf, lease: LeaseRenew, enter: (*Shard).enterUpdate1},
		StateMutualRedo:            {name: "MUTUAL_REDO", source: SourceSelf, lease: LeaseRenew, enter: (*Shard).enterMutualRedo},
		StateUpdate2:               {name: "UPDATE_2", source: SourceSelf, lease: LeaseRenew, enter: (*Shard).enterUpdate2},
		StateRW:                    {name: "RW", source: SourceSelf, lease: LeaseRenew, access: AccessReadWrite, enter: (*Shard).enterRW},
		StateSwitchBack:            {name: "SWITCH_BACK", source: SourceSelf, lease: LeaseRenew, enter: (*Shard).enterSwitchBack},
		StateSwitchBack2:           {name: "SWITCH_BACK_2", enter: (*Shard).enterSwitchBack2, leave: (*Shard).cancelTimer},
		StateToShutdown:            {name: "TO_SHUTDOWN", enter: (*Shard).enterToShutdown},
		StateShutdown:              {name: "SHUTDOWN", enter: (*Shard).enterShutdown},
	}
}

func (s State) String() string {
	if s >= 0 && s < numStates {
		return shardStates[s].name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

func (s State) info() *stateInfo { return &shardStates[s] }

// Access returns the client access allowed in s.
func (s State) Access() Access { return shardStates[s].access }

// Owned reports whether a node in s holds, or is acquiring, the lease.
func (s State) Owned() bool { return shardStates[s].source == SourceSelf }

// validateStateTable checks that every state's flags are consistent: client
// access needs a held lease, and lease activity needs self-sourced meta-data.
func validateStateTable() error {
	var errs []string
	for st := State(0); st < numStates; st++ {
		info := shardStates[st]
		if info.name == "" {
			errs = append(errs, fmt.Sprintf("state %d has no entry", int(st)))
			continue
		}
		if info.access&^AccessReadWrite != 0 {
			errs = append(errs, fmt.Sprintf("%s: bad access %d", info.name, int(info.access)))
		}
		if info.access != AccessNone && (info.source != SourceSelf || info.lease != LeaseRenew) {
			errs = append(errs, fmt.Sprintf("%s: access without a held lease", info.name))
		}
		if info.source == SourceOther && info.lease != LeaseNone {
			errs = append(errs, fmt.Sprintf("%s: lease activity with other-sourced meta", info.name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shard state table: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ReplicaState is a replica's position in its recovery lifecycle.
type ReplicaState int

const (
	ReplicaInitial ReplicaState = iota
	ReplicaToDead
	ReplicaDead
	ReplicaLiveOffline
	ReplicaMutualRedo
	ReplicaMutualRedoScanDone
	ReplicaUndo
	ReplicaUpdateAfterUndo
	ReplicaRedo
	ReplicaUpdateAfterRedo
	ReplicaRecovered
	ReplicaMarkFailed
	ReplicaShutdown
	numReplicaStates
)

type replicaStateInfo struct {
	name string
	// recovering states have an iteration or meta update in progress
	recovering bool
	enter      func(*Replica)
}

var replicaStates [numReplicaStates]replicaStateInfo

func init() {
	replicaStates = [numReplicaStates]replicaStateInfo{
		ReplicaInitial:            {name: "INITIAL"},
		ReplicaToDead:             {name: "TO_DEAD", enter: (*Replica).enterToDead},
		ReplicaDead:               {name: "DEAD", enter: (*Replica).enterDead},
		ReplicaLiveOffline:        {name: "LIVE_OFFLINE", enter: (*Replica).enterLiveOffline},
		ReplicaMutualRedo:         {name: "MUTUAL_REDO", recovering: true, enter: (*Replica).enterMutualRedo},
		ReplicaMutualRedoScanDone: {name: "MUTUAL_REDO_SCAN_DONE"},
		ReplicaUndo:               {name: "UNDO", recovering: true, enter: (*Replica).enterUndo},
		ReplicaUpdateAfterUndo:    {name: "UPDATE_AFTER_UNDO", recovering: true, enter: (*Replica).enterUpdateAfterUndo},
		ReplicaRedo:               {name: "REDO", recovering: true, enter: (*Replica).enterRedo},
		ReplicaUpdateAfterRedo:    {name: "UPDATE_AFTER_REDO", recovering: true, enter: (*Replica).enterUpdateAfterRedo},
		ReplicaRecovered:          {name: "RECOVERED", enter: (*Replica).enterRecovered},
		ReplicaMarkFailed:         {name: "MARK_FAILED", enter: (*Replica).enterMarkFailed},
		ReplicaShutdown:           {name: "SHUTDOWN"},
	}
}

func (s ReplicaState) String() string {
	if s >= 0 && s < numReplicaStates {
		return replicaStates[s].name
	}
	return fmt.Sprintf("REPLICA(%d)", int(s))
}
