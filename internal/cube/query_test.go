package cube

import (
	"encoding/json"
	"testing"
)

func TestOrder_AcceptsObjectAndPairs(t *testing.T) {
	var fromObject Query
	if err := json.Unmarshal([]byte(`{"order":{"Orders.count":"desc","Orders.status":"asc"}}`), &fromObject); err != nil {
		t.Fatalf("object form: %v", err)
	}
	var fromPairs Query
	if err := json.Unmarshal([]byte(`{"order":[["Orders.count","desc"],["Orders.status","asc"]]}`), &fromPairs); err != nil {
		t.Fatalf("pair form: %v", err)
	}

	for _, q := range []Query{fromObject, fromPairs} {
		if len(q.Order) != 2 {
			t.Fatalf("expected 2 order items, got %d", len(q.Order))
		}
		if q.Order[0].Member != "Orders.count" || q.Order[0].Direction != "desc" {
			t.Fatalf("unexpected first item %+v", q.Order[0])
		}
	}

	if !fromObject.Order.Keyed() || fromPairs.Order.Keyed() {
		t.Fatal("only the object form is keyed")
	}
	if !fromObject.Clone().Order.Keyed() {
		t.Fatal("Clone must keep the order form")
	}

	out, err := json.Marshal(fromObject.Order)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `[["Orders.count","desc"],["Orders.status","asc"]]` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestOrder_RejectsMalformedPair(t *testing.T) {
	var q Query
	if err := json.Unmarshal([]byte(`{"order":[["Orders.count"]]}`), &q); err == nil {
		t.Fatal("expected error for single-element pair")
	}
}

func TestClone_IsDeep(t *testing.T) {
	q := Query{
		Measures: []string{"Orders.count"},
		Filters:  []Filter{{Member: "Orders.status", Operator: "equals", Values: []string{"paid"}}},
		Limit:    IntPtr(10),
	}
	c := q.Clone()
	c.Measures[0] = "Orders.total"
	c.Filters[0].Values[0] = "open"
	*c.Limit = 20

	if q.Measures[0] != "Orders.count" || q.Filters[0].Values[0] != "paid" || *q.Limit != 10 {
		t.Fatalf("clone mutated original: %+v", q)
	}
}

func TestAnnotations_PreserveOrder(t *testing.T) {
	var a Annotation
	raw := `{"measures":{"Orders.total":{"title":"Total","type":"number"},"Orders.count":{"title":"Count","type":"number"}}}`
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatal(err)
	}
	if len(a.Measures) != 2 || a.Measures[0].Key != "Orders.total" || a.Measures[1].Key != "Orders.count" {
		t.Fatalf("order not preserved: %+v", a.Measures)
	}
}
