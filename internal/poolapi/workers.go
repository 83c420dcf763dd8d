package poolapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// workerRow is one worker as extracted from a pool response, before
// normalization into storage.WorkerSample
type workerRow struct {
	Name      string
	HashNow   float64
	HashAvg   float64
	Payhash   string
	LastShare int64
}

// fieldKeys maps configured field names onto a provider's schema.
// For object-shaped rows the values are dot-paths; for list-of-list
// rows they are column indexes.
type fieldKeys struct {
	Worker    string
	HashNow   string
	HashAvg   string
	Payhash   string
	LastShare string
}

// mapKeyName marks that the worker name is the enclosing map key
const mapKeyName = "$key"

func keysFrom(m map[string]string, defaults fieldKeys) fieldKeys {
	k := defaults
	if v, ok := m["worker"]; ok {
		k.Worker = v
	}
	if v, ok := m["hash_now"]; ok {
		k.HashNow = v
	}
	if v, ok := m["hash_avg"]; ok {
		k.HashAvg = v
	}
	if v, ok := m["payhash"]; ok {
		k.Payhash = v
	}
	if v, ok := m["last_share"]; ok {
		k.LastShare = v
	}
	return k
}

// parseWorkerRows normalizes the three wire shapes pools use for worker
// lists: list-of-lists, list-of-objects, and map-of-objects. The shape is
// detected from the payload itself, so one account can survive a provider
// moving between API versions.
func parseWorkerRows(source string, raw json.RawMessage, keys fieldKeys) ([]workerRow, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &ParseError{Source: source, Detail: "empty worker list payload"}
	}

	switch trimmed[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, &ParseError{Source: source, Detail: err.Error()}
		}
		if len(elems) == 0 {
			return nil, nil
		}

		first := bytes.TrimSpace(elems[0])
		if len(first) > 0 && first[0] == '[' {
			return rowsFromLists(source, elems, keys)
		}
		return rowsFromObjects(source, elems, keys)

	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, &ParseError{Source: source, Detail: err.Error()}
		}

		rows := make([]workerRow, 0, len(m))
		for name, elem := range m {
			var obj map[string]interface{}
			if err := json.Unmarshal(elem, &obj); err != nil {
				return nil, &ParseError{Source: source, Detail: fmt.Sprintf("worker %q: %v", name, err)}
			}
			row := rowFromObject(obj, keys)
			if row.Name == "" {
				row.Name = name
			}
			rows = append(rows, row)
		}
		return rows, nil

	default:
		return nil, &ParseError{Source: source, Detail: "worker list is neither array nor object"}
	}
}

// rowsFromLists handles the list-of-lists shape; field keys are column indexes
func rowsFromLists(source string, elems []json.RawMessage, keys fieldKeys) ([]workerRow, error) {
	col := func(spec string) int {
		idx, err := strconv.Atoi(spec)
		if err != nil {
			return -1
		}
		return idx
	}

	nameCol := col(keys.Worker)
	hashCol := col(keys.HashNow)
	avgCol := col(keys.HashAvg)
	payCol := col(keys.Payhash)
	shareCol := col(keys.LastShare)

	if nameCol < 0 {
		return nil, &ParseError{Source: source, Detail: "worker column index not configured for list rows"}
	}

	rows := make([]workerRow, 0, len(elems))
	for i, elem := range elems {
		var arr []interface{}
		if err := json.Unmarshal(elem, &arr); err != nil {
			return nil, &ParseError{Source: source, Detail: fmt.Sprintf("row %d: %v", i, err)}
		}

		cell := func(idx int) interface{} {
			if idx < 0 || idx >= len(arr) {
				return nil
			}
			return arr[idx]
		}

		name, _ := asString(cell(nameCol))
		if name == "" {
			return nil, &ParseError{Source: source, Detail: fmt.Sprintf("row %d: missing worker name", i)}
		}

		row := workerRow{Name: name}
		row.HashNow, _ = asFloat(cell(hashCol))
		row.HashAvg, _ = asFloat(cell(avgCol))
		if s, ok := asString(cell(payCol)); ok {
			row.Payhash = s
		}
		if f, ok := asFloat(cell(shareCol)); ok {
			row.LastShare = int64(f)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// rowsFromObjects handles the list-of-objects shape; field keys are dot-paths
func rowsFromObjects(source string, elems []json.RawMessage, keys fieldKeys) ([]workerRow, error) {
	rows := make([]workerRow, 0, len(elems))
	for i, elem := range elems {
		var obj map[string]interface{}
		if err := json.Unmarshal(elem, &obj); err != nil {
			return nil, &ParseError{Source: source, Detail: fmt.Sprintf("row %d: %v", i, err)}
		}

		row := rowFromObject(obj, keys)
		if row.Name == "" {
			return nil, &ParseError{Source: source, Detail: fmt.Sprintf("row %d: missing worker name", i)}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func rowFromObject(obj map[string]interface{}, keys fieldKeys) workerRow {
	var row workerRow
	if keys.Worker != "" && keys.Worker != mapKeyName {
		row.Name, _ = pathString(obj, keys.Worker)
	}
	row.HashNow, _ = pathFloat(obj, keys.HashNow)
	row.HashAvg, _ = pathFloat(obj, keys.HashAvg)
	row.Payhash, _ = pathString(obj, keys.Payhash)
	if f, ok := pathFloat(obj, keys.LastShare); ok {
		row.LastShare = int64(f)
	}
	return row
}

func asString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
