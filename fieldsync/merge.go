// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"reflect"
	"sort"
)

// ThreeWayMerge merges field by field against base. A side that left a field
// equal to base yields to the other side; fields changed differently on both
// sides are reported as unresolved and keep the local value in the result.
func ThreeWayMerge(base, local, remote map[string]any) (map[string]any, []string) {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range base {
		keys[k] = struct{}{}
	}
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}

	merged := make(map[string]any, len(keys))
	var unresolved []string
	for k := range keys {
		bv, bok := base[k]
		lv, lok := local[k]
		rv, rok := remote[k]

		switch {
		case sameValue(lv, lok, rv, rok):
			if lok {
				merged[k] = lv
			}
		case sameValue(lv, lok, bv, bok):
			if rok {
				merged[k] = rv
			}
		case sameValue(rv, rok, bv, bok):
			if lok {
				merged[k] = lv
			}
		default:
			unresolved = append(unresolved, k)
			if lok {
				merged[k] = lv
			}
		}
	}
	sort.Strings(unresolved)
	return merged, unresolved
}

func sameValue(a any, aok bool, b any, bok bool) bool {
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
