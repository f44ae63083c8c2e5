// SPDX-License-Identifier: Apache-2.0

package denest

// Row is one flattened row: column name -> runtime value (string, float64,
// bool, nil, or a nested map/slice if the column's declared schema type is
// opaque JSON).
type Row map[string]any

// DenestRecords flattens a batch of metadata-augmented records into
// per-table row lists (spec.md §4.2, "denest_records"). Each input record
// must already carry the stream's key properties as plain top-level fields
// (so their values can be copied into the injected _sdc_source_key_<k>
// columns of any subtables) and, optionally, an "_sdc_sequence" value to
// propagate into subtable rows for the upsert merge.
//
// Unlike DenestSchema, record flattening does not consult the stream
// schema: it is driven entirely by the runtime shape of each value (object,
// array, scalar, or null), per the design note in spec.md §9. This mirrors
// the dynamic, schema-agnostic record walk of the source system being
// reimplemented here.
func DenestRecords(rootName string, records []Row, keyProperties []string) map[string][]Row {
	recordsMap := map[string][]Row{}

	for _, rec := range records {
		pkFKs := map[string]any{}
		for _, k := range keyProperties {
			pkFKs[SourceKeyColumn(k)] = rec[k]
		}
		if seq, ok := rec[ColSequence]; ok {
			pkFKs[ColSequence] = seq
		}

		w := &walker{recordsMap: recordsMap, pkFKs: pkFKs}

		row := Row{}
		w.denestSubrecord(rootName, "", rec, row, rootName, -1, map[string]any{})
		recordsMap[rootName] = append(recordsMap[rootName], row)
	}

	return recordsMap
}

// walker carries the per-record context (its root key/sequence values)
// through the recursive flattening of both the root record and every
// subtable row it produces.
type walker struct {
	recordsMap map[string][]Row
	pkFKs      map[string]any
}

// denestSubrecord flattens one object-shaped value into row, recursing into
// nested objects under the same path (merged into the same row) and
// emitting a new subtable row per element for every array-shaped value.
// levelIndices carries the _sdc_level_<i>_id values accumulated from all
// enclosing arrays, so a doubly-nested array's rows still carry their
// grandparent's positional index.
func (w *walker) denestSubrecord(tableName, pathPrefix string, value map[string]any, row Row, ancestorTablePath string, level int, levelIndices map[string]any) {
	for key, v := range value {
		if v == nil {
			continue
		}

		colName := key
		if pathPrefix != "" {
			colName = pathPrefix + Separator + key
		}

		switch vv := v.(type) {
		case map[string]any:
			w.denestSubrecord(tableName, colName, vv, row, ancestorTablePath, level, levelIndices)

		case []any:
			w.denestArray(key, vv, ancestorTablePath, level, levelIndices)

		default:
			row[colName] = v
		}
	}
}

func (w *walker) denestArray(key string, items []any, ancestorTablePath string, level int, levelIndices map[string]any) {
	subtableName := ancestorTablePath + Separator + key
	nextLevel := level + 1

	for idx, item := range items {
		subRow := Row{}
		for k, pv := range w.pkFKs {
			subRow[k] = pv
		}
		for lk, lv := range levelIndices {
			subRow[lk] = lv
		}
		subRow[LevelColumn(nextLevel)] = idx

		nestedLevelIndices := make(map[string]any, len(levelIndices)+1)
		for lk, lv := range levelIndices {
			nestedLevelIndices[lk] = lv
		}
		nestedLevelIndices[LevelColumn(nextLevel)] = idx

		switch itemVal := item.(type) {
		case map[string]any:
			w.denestSubrecord(subtableName, "", itemVal, subRow, subtableName, nextLevel, nestedLevelIndices)
		case nil:
			// omit null array elements entirely from the subtable
			continue
		default:
			subRow["_sdc_value"] = itemVal
		}

		w.recordsMap[subtableName] = append(w.recordsMap[subtableName], subRow)
	}
}
