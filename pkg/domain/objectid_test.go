package domain

import (
	"errors"
	"testing"
)

func TestObjectIDStringRoundTrip(t *testing.T) {
	id := NewObjectID("Order")
	if id.Class != "Order" || id.Value == "" {
		t.Fatalf("unexpected id %+v", id)
	}
	parsed, err := ParseObjectID(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("expected %v, got %v", id, parsed)
	}
}

func TestObjectIDZero(t *testing.T) {
	var id ObjectID
	if !id.IsZero() {
		t.Fatalf("zero value should report IsZero")
	}
	if id.String() != "" {
		t.Fatalf("zero id should render empty, got %q", id.String())
	}
	parsed, err := ParseObjectID("")
	if err != nil || !parsed.IsZero() {
		t.Fatalf("empty string should parse to zero id, got %v %v", parsed, err)
	}
}

func TestParseObjectIDRejectsMalformed(t *testing.T) {
	for _, in := range []string{"Order", "|x", "Order|"} {
		if _, err := ParseObjectID(in); !errors.Is(err, ErrArgument) {
			t.Fatalf("%q: expected argument error, got %v", in, err)
		}
	}
}

func TestCompareObjectIDs(t *testing.T) {
	a := ObjectID{Class: "A", Value: "2"}
	b := ObjectID{Class: "B", Value: "1"}
	c := ObjectID{Class: "A", Value: "3"}
	if CompareObjectIDs(a, b) >= 0 {
		t.Fatalf("class should order first")
	}
	if CompareObjectIDs(a, c) >= 0 || CompareObjectIDs(c, a) <= 0 {
		t.Fatalf("value should order within class")
	}
	if CompareObjectIDs(a, a) != 0 {
		t.Fatalf("equal ids should compare 0")
	}
}
