package vm

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CycleKind names a collection style.
type CycleKind string

const (
	CycleScavenge CycleKind = "scavenge"
	CycleFull     CycleKind = "full"
)

// CycleStats describes one collection cycle.
type CycleStats struct {
	HeapID         string        `cbor:"1,keyasint"`
	Kind           CycleKind     `cbor:"2,keyasint"`
	Cycle          uint64        `cbor:"3,keyasint"` // per-kind sequence number
	Started        time.Time     `cbor:"4,keyasint"`
	Duration       time.Duration `cbor:"5,keyasint"`
	YoungBefore    uint64        `cbor:"6,keyasint"` // bytes
	OldBefore      uint64        `cbor:"7,keyasint"`
	SurvivedBytes  uint64        `cbor:"8,keyasint"`
	PromotedBytes  uint64        `cbor:"9,keyasint"`
	ReclaimedBytes uint64        `cbor:"10,keyasint"`
	Threshold      int           `cbor:"11,keyasint"` // tenuring threshold after the cycle
	NearDeath      int           `cbor:"12,keyasint"`
	RememberedSet  int           `cbor:"13,keyasint"`
	Symbols        int           `cbor:"14,keyasint"`
	Ages           []uint64      `cbor:"15,keyasint,omitempty"` // bytes per age, scavenges only
}

var cborEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalCycleStats serializes cycle statistics to canonical CBOR.
func MarshalCycleStats(cs *CycleStats) ([]byte, error) {
	return cborEncMode.Marshal(cs)
}

// UnmarshalCycleStats deserializes cycle statistics from CBOR.
func UnmarshalCycleStats(data []byte) (*CycleStats, error) {
	var cs CycleStats
	if err := cbor.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("vm: unmarshal cycle stats: %w", err)
	}
	return &cs, nil
}

func (cs CycleStats) String() string {
	return fmt.Sprintf("%s #%d: %s survived, %s promoted, %s reclaimed, threshold %d, %d near death, %v",
		cs.Kind, cs.Cycle, formatBytes(cs.SurvivedBytes), formatBytes(cs.PromotedBytes),
		formatBytes(cs.ReclaimedBytes), cs.Threshold, cs.NearDeath, cs.Duration)
}
