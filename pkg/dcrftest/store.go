package dcrftest

import (
	"fmt"
	"sort"
	"strconv"
)

// Item is one stored instance.
type Item = map[string]any

// store holds the instances of one stream, the way a model table would.
type store struct {
	pkField string
	nextPK  int
	items   map[int]Item
}

func newStore(pkField string) *store {
	return &store{pkField: pkField, nextPK: 1, items: make(map[int]Item)}
}

func (s *store) list() []any {
	pks := make([]int, 0, len(s.items))
	for pk := range s.items {
		pks = append(pks, pk)
	}
	sort.Ints(pks)
	out := make([]any, 0, len(pks))
	for _, pk := range pks {
		out = append(out, s.serialize(pk))
	}
	return out
}

func (s *store) create(data map[string]any) (Item, map[string]any) {
	name, ok := data["name"].(string)
	if !ok || name == "" {
		return nil, map[string]any{"name": []any{"This field is required."}}
	}
	pk := s.nextPK
	s.nextPK++
	s.items[pk] = Item{"name": name, "counter": counterOf(data, 0)}
	return s.serialize(pk), nil
}

func (s *store) get(pk int) (Item, bool) {
	if _, ok := s.items[pk]; !ok {
		return nil, false
	}
	return s.serialize(pk), true
}

// update replaces name and counter; with partial only the fields present
// in data change.
func (s *store) update(pk int, data map[string]any, partial bool) (Item, map[string]any, bool) {
	cur, ok := s.items[pk]
	if !ok {
		return nil, nil, false
	}
	name, hasName := data["name"].(string)
	if !partial && (!hasName || name == "") {
		return nil, map[string]any{"name": []any{"This field is required."}}, true
	}
	next := Item{"name": cur["name"], "counter": cur["counter"]}
	if hasName {
		next["name"] = name
	}
	if _, ok := data["counter"]; ok || !partial {
		next["counter"] = counterOf(data, 0)
	}
	s.items[pk] = next
	return s.serialize(pk), nil, true
}

func (s *store) delete(pk int) bool {
	if _, ok := s.items[pk]; !ok {
		return false
	}
	delete(s.items, pk)
	return true
}

func (s *store) serialize(pk int) Item {
	cur := s.items[pk]
	return Item{s.pkField: pk, "name": cur["name"], "counter": cur["counter"]}
}

func counterOf(data map[string]any, def int) int {
	switch v := data["counter"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// parsePK accepts the forms a pk takes after JSON decoding.
func parsePK(v any) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		return strconv.Atoi(t)
	case nil:
		return 0, fmt.Errorf("missing pk")
	}
	return 0, fmt.Errorf("invalid pk %v", v)
}
