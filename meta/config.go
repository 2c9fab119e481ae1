package meta

import (
	"time"

	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/cfg"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/ddl"
	"github.com/maxpert/flowmeta/epoch"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/hummock"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func clusterConfig(c *cfg.Configuration) cluster.Config {
	return cluster.Config{
		LeaseTimeout:  millis(c.Cluster.LeaseTimeoutMS),
		SweepInterval: millis(c.Cluster.SweepIntervalMS),
	}
}

func barrierConfig(c *cfg.Configuration) barrier.Config {
	return barrier.Config{
		Interval:               millis(c.Barrier.IntervalMS),
		CollectTimeout:         millis(c.Barrier.CollectTimeoutMS),
		InjectTimeout:          millis(c.Barrier.InjectTimeoutMS),
		MaxConsecutiveFailures: c.Barrier.MaxConsecutiveFailures,
	}
}

func schedulerConfig(c *cfg.Configuration) fragment.Config {
	return fragment.Config{
		SkewTolerance:      c.Scheduler.SkewTolerance,
		MaxActorsPerNode:   c.Scheduler.MaxActorsPerNode,
		DefaultParallelism: c.Scheduler.DefaultParallelism,
	}
}

// hummockConfig starts from the defaults so a partial section still works
func hummockConfig(c *cfg.Configuration) hummock.Config {
	out := hummock.DefaultConfig()
	h := c.Hummock
	if h.MaxLevels > 0 {
		out.MaxLevels = h.MaxLevels
	}
	if h.L0CompactionTrigger > 0 {
		out.L0CompactionTrigger = h.L0CompactionTrigger
	}
	if h.BaseLevelBytes > 0 {
		out.BaseLevelBytes = h.BaseLevelBytes
	}
	if h.LevelMultiplier > 0 {
		out.LevelMultiplier = h.LevelMultiplier
	}
	if h.MaxTasksPerWorker > 0 {
		out.MaxTasksPerWorker = h.MaxTasksPerWorker
	}
	if h.MaxTaskAttempts > 0 {
		out.MaxTaskAttempts = h.MaxTaskAttempts
	}
	if h.TaskTimeoutSeconds > 0 {
		out.TaskTimeout = time.Duration(h.TaskTimeoutSeconds) * time.Second
	}
	if h.MaxFilesPerTask > 0 {
		out.MaxFilesPerTask = h.MaxFilesPerTask
	}
	if h.ProtectedFilterSlots > 0 {
		out.ProtectedFilterSlots = h.ProtectedFilterSlots
	}
	return out
}

func ddlConfig(c *cfg.Configuration) ddl.Config {
	return ddl.Config{
		Retries: c.Barrier.DDLRetries,
		Timeout: millis(c.Barrier.DDLTimeoutMS),
	}
}

func epochGenerator(c *cfg.Configuration) epoch.Generator {
	if c.Barrier.EpochMode == cfg.EpochSequential {
		return epoch.SequentialGenerator{}
	}
	return epoch.NewPhysicalGenerator()
}

func dispatchInterval(c *cfg.Configuration) time.Duration {
	if c.Hummock.DispatchIntervalMS <= 0 {
		return time.Second
	}
	return millis(c.Hummock.DispatchIntervalMS)
}

func gcInterval(c *cfg.Configuration) time.Duration {
	if c.Hummock.GCIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Hummock.GCIntervalSeconds) * time.Second
}
