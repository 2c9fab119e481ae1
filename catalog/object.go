// Package catalog owns databases, schemas, relations and their
// dependencies as versioned metadata.
package catalog

import (
	"errors"
	"fmt"
)

// Kind is the type of a catalog object
type Kind string

const (
	KindDatabase Kind = "database"
	KindSchema   Kind = "schema"
	KindTable    Kind = "table"
	KindSource   Kind = "source"
	KindSink     Kind = "sink"
	KindView     Kind = "view"
)

// Kinds lists every object kind
var Kinds = []Kind{KindDatabase, KindSchema, KindTable, KindSource, KindSink, KindView}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	for _, x := range Kinds {
		if x == k {
			return true
		}
	}
	return false
}

// parentKind is the kind an object's parent must have. Databases have no parent.
func (k Kind) parentKind() (Kind, bool) {
	switch k {
	case KindDatabase:
		return "", false
	case KindSchema:
		return KindDatabase, true
	default:
		return KindSchema, true
	}
}

var (
	ErrNotFound       = errors.New("catalog: object not found")
	ErrParentNotFound = errors.New("catalog: parent not found")
	ErrHasDependents  = errors.New("catalog: object has dependents")
	ErrNameConflict   = errors.New("catalog: name already exists")
	ErrDropInProgress = errors.New("catalog: drop already in progress")
	ErrInvalidObject  = errors.New("catalog: invalid object")
)

// NameConflictError names the clashing object
type NameConflictError struct {
	ParentID uint64
	Name     string
	Existing uint64
}

func (e *NameConflictError) Error() string {
	if e.Existing == 0 {
		return fmt.Sprintf("catalog: name %q is reserved by a pending DDL in parent %d", e.Name, e.ParentID)
	}
	return fmt.Sprintf("catalog: name %q already used by object %d in parent %d", e.Name, e.Existing, e.ParentID)
}

func (e *NameConflictError) Is(target error) bool { return target == ErrNameConflict }

// DependentsError lists what still depends on an object
type DependentsError struct {
	ID         uint64
	Dependents []uint64
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("catalog: object %d has %d dependents %v", e.ID, len(e.Dependents), e.Dependents)
}

func (e *DependentsError) Is(target error) bool { return target == ErrHasDependents }

// Object is one catalog entry. Version is the catalog version of the
// object's last mutation.
type Object struct {
	ID           uint64   `msgpack:"id" json:"id"`
	Name         string   `msgpack:"name" json:"name"`
	ParentID     uint64   `msgpack:"parent_id" json:"parent_id"`
	Kind         Kind     `msgpack:"kind" json:"kind"`
	Definition   string   `msgpack:"definition,omitempty" json:"definition,omitempty"`
	Materialized bool     `msgpack:"materialized,omitempty" json:"materialized,omitempty"`
	DependsOn    []uint64 `msgpack:"depends_on,omitempty" json:"depends_on,omitempty"`
	Owner        uint64   `msgpack:"owner" json:"owner"`
	Version      uint64   `msgpack:"version" json:"version"`
}

// Streaming reports whether the object is backed by running actors. DDL on
// streaming objects rides on a barrier.
func (o *Object) Streaming() bool {
	switch o.Kind {
	case KindTable, KindSource, KindSink:
		return true
	case KindView:
		return o.Materialized
	}
	return false
}

func (o *Object) dependsOn(id uint64) bool {
	for _, d := range o.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

// Snapshot is the full catalog at one version
type Snapshot struct {
	Version uint64   `msgpack:"version" json:"version"`
	Objects []Object `msgpack:"objects" json:"objects"`
}
