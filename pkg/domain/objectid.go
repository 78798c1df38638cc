// Package domain defines the value types, mapping metadata, error taxonomy and
// collaborator contracts shared by the relkeeper unit-of-work engine and its
// persistence providers.
package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ClassID identifies a mapped class.
type ClassID string

// ObjectID identifies a domain object across all transactions. It is a
// comparable value and can be used as a map key.
type ObjectID struct {
	Class ClassID
	Value string
}

const objectIDSeparator = "|"

// NewObjectID generates a fresh identifier for the supplied class.
func NewObjectID(class ClassID) ObjectID {
	return ObjectID{Class: class, Value: uuid.NewString()}
}

// IsZero reports whether the identifier is unset. The zero ObjectID stands for
// "no related object" in relation values.
func (id ObjectID) IsZero() bool {
	return id.Class == "" && id.Value == ""
}

// String renders the identifier as "Class|Value".
func (id ObjectID) String() string {
	if id.IsZero() {
		return ""
	}
	return string(id.Class) + objectIDSeparator + id.Value
}

// ParseObjectID is the inverse of ObjectID.String.
func ParseObjectID(s string) (ObjectID, error) {
	if s == "" {
		return ObjectID{}, nil
	}
	class, value, ok := strings.Cut(s, objectIDSeparator)
	if !ok || class == "" || value == "" {
		return ObjectID{}, ArgumentError{Argument: "id", Message: fmt.Sprintf("malformed object id %q", s)}
	}
	return ObjectID{Class: ClassID(class), Value: value}, nil
}

// CompareObjectIDs orders identifiers by class and then by value.
func CompareObjectIDs(a, b ObjectID) int {
	if c := strings.Compare(string(a.Class), string(b.Class)); c != 0 {
		return c
	}
	return strings.Compare(a.Value, b.Value)
}

// Timestamp is the optimistic-concurrency version assigned by a storage
// provider. Zero means the object was never persisted.
type Timestamp uint64
