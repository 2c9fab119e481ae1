package meta

import (
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/telemetry"
)

// Stats implements telemetry.StatsProvider. Followers report nothing.
func (n *Node) Stats() (telemetry.Stats, bool) {
	t, err := n.Current()
	if err != nil {
		return telemetry.Stats{}, false
	}

	stats := telemetry.Stats{
		ActorsPerNode:  make(map[uint64]int),
		CatalogObjects: make(map[string]int),
		PinnedVersions: len(t.Hummock.Pins()),
		Subscribers:    n.hub.SubscriberCount(),
	}

	counts := make(map[[2]string]int)
	for _, node := range t.Cluster.ListNodes() {
		counts[[2]string{string(node.Role), string(node.State)}]++
	}
	for key, c := range counts {
		stats.Nodes = append(stats.Nodes, telemetry.NodeCount{Role: key[0], State: key[1], Count: c})
	}

	for _, a := range t.Scheduler.Actors() {
		stats.ActorsPerNode[a.NodeID]++
	}

	for _, l := range t.Hummock.CurrentVersion().Levels {
		stats.Levels = append(stats.Levels, telemetry.LevelStats{Level: l.Index, Files: len(l.Files), Bytes: l.TotalBytes})
	}
	for _, task := range t.Hummock.Tasks() {
		if task.State == hummock.TaskPending || task.State == hummock.TaskAssigned {
			stats.PendingTasks++
		}
	}

	for _, obj := range t.Catalog.Snapshot().Objects {
		stats.CatalogObjects[string(obj.Kind)]++
	}
	return stats, true
}
