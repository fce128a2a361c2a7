package engine

import (
	"github.com/hpcforge/ferry/gateway"
	"github.com/hpcforge/ferry/metrics"
)

// Strategy is how a batch of files moves across the gateway.
type Strategy int

const (
	// StrategyDirect moves each file with a single bounded request.
	StrategyDirect Strategy = iota
	// StrategyChunked streams each file through the staging endpoint,
	// for payloads above the gateway's direct limit.
	StrategyChunked
	// StrategyArchive packs the batch into one tar archive, moves the
	// archive, and unpacks it on the far side.
	StrategyArchive
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyChunked:
		return "chunked"
	case StrategyArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// TransferItem is one entry of a resolved batch: a concrete source path
// mapped to a concrete destination path, with the metadata observed in
// the planning snapshot.
type TransferItem struct {
	SourcePath string
	DestPath   string
	Size       int64
	Mode       uint32
	IsDir      bool
}

// TransferPlan is the planner's decision for one batch.
type TransferPlan struct {
	Strategy   Strategy
	Items      []TransferItem
	FileCount  int
	TotalBytes int64
}

// PlannerCosts parameterizes the archive-or-not decision. The defaults
// model a gateway where every API call costs a fixed round trip and the
// remote can tar at disk speed.
type PlannerCosts struct {
	// PerCallOverhead is the modelled fixed cost of one file-transfer
	// call, in milliseconds.
	PerCallOverhead int64
	// ArchiveFixedCost is the modelled cost of the remote tar and
	// untar commands, in milliseconds.
	ArchiveFixedCost int64
	// ArchiveBytesPerMilli is how many extra bytes the archive pass
	// reads and writes per millisecond.
	ArchiveBytesPerMilli int64
}

// DefaultPlannerCosts matches the observed behaviour of gateway
// deployments: per-call latency dominates for many small files, archive
// setup dominates for few.
func DefaultPlannerCosts() PlannerCosts {
	return PlannerCosts{
		PerCallOverhead:      300,
		ArchiveFixedCost:     800,
		ArchiveBytesPerMilli: 50 * 1024,
	}
}

// Plan decides how a resolved batch should move. The decision is a pure
// function of the items and the endpoint capabilities: archive when the
// modelled per-call cost of the batch exceeds the modelled cost of one
// archive round trip, per-file otherwise. A batch with at most one file
// never archives.
func Plan(items []TransferItem, cap gateway.Capability, costs PlannerCosts) TransferPlan {
	plan := TransferPlan{Items: items}
	for _, it := range items {
		if it.IsDir {
			continue
		}
		plan.FileCount++
		plan.TotalBytes += it.Size
	}

	if plan.FileCount == 0 {
		plan.Strategy = StrategyDirect
		return plan
	}

	if plan.FileCount > 1 {
		perFile := costs.PerCallOverhead * int64(plan.FileCount)
		archive := costs.ArchiveFixedCost
		if costs.ArchiveBytesPerMilli > 0 {
			archive += plan.TotalBytes / costs.ArchiveBytesPerMilli
		}
		if perFile > archive {
			plan.Strategy = StrategyArchive
			metrics.RecordPlan(plan.Strategy.String())
			return plan
		}
	}

	plan.Strategy = StrategyDirect
	for _, it := range items {
		if !it.IsDir && cap.MaxDirectBytes > 0 && it.Size > cap.MaxDirectBytes {
			plan.Strategy = StrategyChunked
			break
		}
	}
	metrics.RecordPlan(plan.Strategy.String())
	return plan
}

// fileStrategy picks the per-file strategy inside a non-archive plan.
func fileStrategy(size int64, cap gateway.Capability) Strategy {
	if cap.MaxDirectBytes > 0 && size > cap.MaxDirectBytes {
		return StrategyChunked
	}
	return StrategyDirect
}
