package poolapi

import (
	"encoding/json"
	"sort"
	"testing"
)

func f2poolKeys() fieldKeys {
	return fieldKeys{Worker: "0", HashNow: "1", HashAvg: "2", Payhash: "6", LastShare: "7"}
}

func objectKeys() fieldKeys {
	return fieldKeys{Worker: "name", HashNow: "hashrate", HashAvg: "hashrate_24h", Payhash: "payhash", LastShare: "last_share"}
}

func sortRows(rows []workerRow) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
}

func TestParseWorkerRowsListOfLists(t *testing.T) {
	raw := json.RawMessage(`[
		["rig01", 1000, 950, "x", "y", "z", "12345.6", 1700000000],
		["rig02", 2000.5, 1900, "x", "y", "z", 54321, 1700000100]
	]`)

	rows, err := parseWorkerRows("f2pool", raw, f2poolKeys())
	if err != nil {
		t.Fatalf("parseWorkerRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	sortRows(rows)

	if rows[0].Name != "rig01" || rows[0].HashNow != 1000 || rows[0].Payhash != "12345.6" || rows[0].LastShare != 1700000000 {
		t.Errorf("rig01 parsed wrong: %+v", rows[0])
	}
	if rows[1].Name != "rig02" || rows[1].HashNow != 2000.5 || rows[1].Payhash != "54321" {
		t.Errorf("rig02 parsed wrong: %+v", rows[1])
	}
}

func TestParseWorkerRowsListOfObjects(t *testing.T) {
	raw := json.RawMessage(`[
		{"name": "rig01", "hashrate": 1000, "hashrate_24h": 950, "payhash": "777", "last_share": 1700000000},
		{"name": "rig02", "hashrate": "2000", "hashrate_24h": 1900, "payhash": 888, "last_share": 1700000100}
	]`)

	rows, err := parseWorkerRows("f2pool", raw, objectKeys())
	if err != nil {
		t.Fatalf("parseWorkerRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	sortRows(rows)

	if rows[0].Name != "rig01" || rows[0].Payhash != "777" {
		t.Errorf("rig01 parsed wrong: %+v", rows[0])
	}

	// String hashrate and numeric payhash both coerce
	if rows[1].HashNow != 2000 || rows[1].Payhash != "888" {
		t.Errorf("rig02 parsed wrong: %+v", rows[1])
	}
}

func TestParseWorkerRowsMapOfObjects(t *testing.T) {
	raw := json.RawMessage(`{
		"rig01": {"hashrate": 1000, "hashrate_24h": 950, "payhash": "10", "last_share": 1700000000},
		"rig02": {"hashrate": 2000, "hashrate_24h": 1900, "payhash": "20", "last_share": 1700000100}
	}`)

	keys := objectKeys()
	keys.Worker = mapKeyName

	rows, err := parseWorkerRows("f2pool", raw, keys)
	if err != nil {
		t.Fatalf("parseWorkerRows failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	sortRows(rows)

	if rows[0].Name != "rig01" || rows[0].Payhash != "10" {
		t.Errorf("rig01 parsed wrong: %+v", rows[0])
	}
	if rows[1].Name != "rig02" || rows[1].HashNow != 2000 {
		t.Errorf("rig02 parsed wrong: %+v", rows[1])
	}
}

func TestParseWorkerRowsNestedDotPath(t *testing.T) {
	raw := json.RawMessage(`[
		{"worker": {"id": "rig01"}, "stats": {"now": 123, "day": 456}, "work": {"payhash": "9.5"}}
	]`)

	keys := fieldKeys{
		Worker:  "worker.id",
		HashNow: "stats.now",
		HashAvg: "stats.day",
		Payhash: "work.payhash",
	}

	rows, err := parseWorkerRows("antpool", raw, keys)
	if err != nil {
		t.Fatalf("parseWorkerRows failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Name != "rig01" || rows[0].HashNow != 123 || rows[0].HashAvg != 456 || rows[0].Payhash != "9.5" {
		t.Errorf("nested row parsed wrong: %+v", rows[0])
	}
}

func TestParseWorkerRowsEmptyList(t *testing.T) {
	rows, err := parseWorkerRows("f2pool", json.RawMessage(`[]`), f2poolKeys())
	if err != nil {
		t.Fatalf("empty list should not error, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows, want 0", len(rows))
	}
}

func TestParseWorkerRowsRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"scalar", `42`},
		{"empty", ``},
		{"missing name column", `[[]]`},
		{"missing name field", `[{"hashrate": 1}]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keys := objectKeys()
			if tc.name == "missing name column" {
				keys = f2poolKeys()
			}
			if _, err := parseWorkerRows("f2pool", json.RawMessage(tc.raw), keys); err == nil {
				t.Error("expected a parse error")
			} else if !IsParseError(err) {
				t.Errorf("error %v is not a ParseError", err)
			}
		})
	}
}

func TestPathHelpers(t *testing.T) {
	var doc interface{}
	if err := json.Unmarshal([]byte(`{"data": {"result": {"rate": "1.5", "count": 3}}}`), &doc); err != nil {
		t.Fatal(err)
	}

	if s, ok := pathString(doc, "data.result.rate"); !ok || s != "1.5" {
		t.Errorf("pathString = %q, %v", s, ok)
	}
	if f, ok := pathFloat(doc, "data.result.count"); !ok || f != 3 {
		t.Errorf("pathFloat = %f, %v", f, ok)
	}
	if _, ok := pathValue(doc, "data.missing.rate"); ok {
		t.Error("missing path should not resolve")
	}
	if v, ok := pathValue(doc, ""); !ok || v == nil {
		t.Error("empty path should return the document")
	}
}
