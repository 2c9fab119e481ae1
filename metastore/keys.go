package metastore

import (
	"fmt"
	"strconv"
	"strings"
)

// Key layout. Every manager owns one prefix.
const (
	ClusterNodesPrefix   = "/cluster/nodes/"
	CatalogPrefix        = "/catalog/"
	FragmentJobsPrefix   = "/fragment/jobs/"
	HummockVersionPrefix = "/hummock/version/"
	HummockCurrentKey    = "/hummock/current"
	HummockPinnedPrefix  = "/hummock/pinned/"
	UserPrefix           = "/user/"

	LastCommittedEpochKey = "/meta/last_committed_epoch"
	MaxInjectedEpochKey   = "/meta/max_injected_epoch"
	CatalogVersionKey     = "/meta/catalog_version"
	IDPrefix              = "/meta/id/"
	LeaderKey             = "/meta/leader"
	LeaderTermKey         = "/meta/leader_term"
)

// FormatID renders ids zero-padded so lexical order matches numeric order
func FormatID(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// ParseID parses the trailing id segment of a key
func ParseID(key string) (uint64, error) {
	idx := strings.LastIndexByte(key, '/')
	return strconv.ParseUint(key[idx+1:], 10, 64)
}

// NodeKey is the roster key of a worker node
func NodeKey(id uint64) string {
	return ClusterNodesPrefix + FormatID(id)
}

// CatalogKey is the key of a catalog object
func CatalogKey(kind string, id uint64) string {
	return CatalogPrefix + kind + "/" + FormatID(id)
}

// FragmentJobKey is the key of a streaming job's fragment graph
func FragmentJobKey(jobID uint64) string {
	return FragmentJobsPrefix + FormatID(jobID)
}

// HummockVersionKey is the key of a storage version
func HummockVersionKey(id uint64) string {
	return HummockVersionPrefix + FormatID(id)
}

// HummockPinKey is the key of a version pin
func HummockPinKey(token string) string {
	return HummockPinnedPrefix + token
}

// UserKey is the key of a user record
func UserKey(id uint64) string {
	return UserPrefix + FormatID(id)
}

// IDKey is the key of a named id allocator
func IDKey(name string) string {
	return IDPrefix + name
}
