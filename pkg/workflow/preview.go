package workflow

import "sort"

// Preview truncation bounds. Node outputs can be arbitrarily large; the
// persisted preview keeps at most this many array elements and object
// keys per level, with a marker recording how much was dropped.
const (
	previewMaxArrayItems = 5
	previewMaxObjectKeys = 10

	// PreviewTruncatedKey marks a truncated object or array in a preview.
	PreviewTruncatedKey = "__truncated"
)

// BuildPreview produces a bounded copy of a node output for persistence.
// Arrays keep their first five elements, objects their first ten keys in
// sorted order, and each truncated level carries a marker with the
// omitted count. Scalars pass through unchanged.
func BuildPreview(output any) any {
	switch v := output.(type) {
	case []any:
		if len(v) <= previewMaxArrayItems {
			items := make([]any, len(v))
			for i, item := range v {
				items[i] = BuildPreview(item)
			}
			return items
		}
		items := make([]any, 0, previewMaxArrayItems+1)
		for i := 0; i < previewMaxArrayItems; i++ {
			items = append(items, BuildPreview(v[i]))
		}
		items = append(items, map[string]any{
			PreviewTruncatedKey: len(v) - previewMaxArrayItems,
		})
		return items
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		if len(keys) > previewMaxObjectKeys {
			keys = keys[:previewMaxObjectKeys]
		}
		out := make(map[string]any, len(keys)+1)
		for _, key := range keys {
			out[key] = BuildPreview(v[key])
		}
		if len(v) > previewMaxObjectKeys {
			out[PreviewTruncatedKey] = len(v) - previewMaxObjectKeys
		}
		return out
	default:
		return output
	}
}
