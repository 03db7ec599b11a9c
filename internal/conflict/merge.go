package conflict

import (
	"maps"
	"slices"
	"strings"

	"github.com/tphakala/recordmigrate/internal/datastore/entities"
	"github.com/tphakala/recordmigrate/internal/target"
)

// PolicyOverwrite is the merge applied for the overwrite strategy: the
// incoming value wins for every field the record maps.
const PolicyOverwrite entities.MergePolicy = "overwrite"

// customPrefix namespaces custom fields in provenance maps.
const customPrefix = "custom."

// PolicyFor returns the merge policy implied by a job's strategy and policy.
func PolicyFor(strategy entities.ConflictStrategy, policy entities.MergePolicy) entities.MergePolicy {
	if strategy == entities.StrategyOverwrite {
		return PolicyOverwrite
	}
	if policy == "" {
		return entities.MergeFillEmpty
	}
	return policy
}

// Merge combines the incoming payload with the existing entity field by
// field. decisions override the policy per field; keys of custom fields
// carry the "custom." prefix. overrides supply the values of
// manual_override decisions. The returned provenance covers every field of
// the merged payload that the incoming record or a decision touched.
func Merge(policy entities.MergePolicy, incoming, existing target.Payload,
	decisions map[string]entities.Provenance, overrides map[string]any,
) (target.Payload, map[string]entities.Provenance) {
	prov := make(map[string]entities.Provenance)
	merged := target.Payload{
		Core:   mergeFields("", policy, incoming.Core, existing.Core, decisions, overrides, prov),
		Custom: mergeFields(customPrefix, policy, incoming.Custom, existing.Custom, decisions, overrides, prov),
	}
	return merged, prov
}

func mergeFields(prefix string, policy entities.MergePolicy, src, dst map[string]any,
	decisions map[string]entities.Provenance, overrides map[string]any, prov map[string]entities.Provenance,
) map[string]any {
	out := maps.Clone(dst)
	if out == nil {
		out = make(map[string]any)
	}

	keys := make(map[string]struct{}, len(src))
	for k := range src {
		keys[k] = struct{}{}
	}
	for k := range decisions {
		if name, ok := strings.CutPrefix(k, prefix); ok && (prefix != "" || !strings.HasPrefix(k, customPrefix)) {
			keys[name] = struct{}{}
		}
	}

	for _, field := range slices.Sorted(maps.Keys(keys)) {
		key := prefix + field
		srcVal, srcOK := src[field]
		dstVal, dstOK := dst[field]

		switch decisions[key] {
		case entities.KeptSource:
			setOrDelete(out, field, srcVal, srcOK)
			prov[key] = entities.KeptSource
			continue
		case entities.KeptTarget:
			setOrDelete(out, field, dstVal, dstOK)
			prov[key] = entities.KeptTarget
			continue
		case entities.ManualOverride:
			if v, ok := overrides[key]; ok {
				out[field] = v
				prov[key] = entities.ManualOverride
				continue
			}
		}

		if !srcOK {
			continue
		}
		if takeSource(policy, srcVal, dstVal, dstOK) {
			out[field] = srcVal
			prov[key] = entities.KeptSource
		} else {
			prov[key] = entities.KeptTarget
		}
	}
	return out
}

func takeSource(policy entities.MergePolicy, srcVal, dstVal any, dstOK bool) bool {
	switch policy {
	case PolicyOverwrite:
		return true
	case entities.MergePreferSource:
		return !empty(srcVal) || !dstOK
	case entities.MergePreferTarget:
		return !dstOK || empty(dstVal)
	default: // fill_empty
		return (!dstOK || empty(dstVal)) && !empty(srcVal)
	}
}

func setOrDelete(m map[string]any, k string, v any, ok bool) {
	if ok {
		m[k] = v
		return
	}
	delete(m, k)
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
