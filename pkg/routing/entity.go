package routing

import (
	"strings"
)

// SplitEntityID splits "domain.object_id". ok is false when either part is empty.
func SplitEntityID(entityID string) (domain, objectID string, ok bool) {
	domain, objectID, found := strings.Cut(entityID, ".")
	if !found || domain == "" || objectID == "" {
		return "", "", false
	}
	return domain, objectID, true
}

// ApplyPrefix maps a peer entity id to its local id by prefixing the object id.
// The domain is preserved: ApplyPrefix("light.kitchen", "remote_") == "light.remote_kitchen".
func ApplyPrefix(entityID, prefix string) string {
	if prefix == "" {
		return entityID
	}
	domain, objectID, ok := SplitEntityID(entityID)
	if !ok {
		return entityID
	}
	return domain + "." + prefix + objectID
}

// StripPrefix is the inverse of ApplyPrefix. Ids whose object id does not
// start with prefix are returned unchanged. Matching is case-insensitive.
func StripPrefix(entityID, prefix string) string {
	if prefix == "" {
		return entityID
	}
	domain, objectID, ok := SplitEntityID(entityID)
	if !ok {
		return entityID
	}
	if len(objectID) < len(prefix) || !strings.EqualFold(objectID[:len(prefix)], prefix) {
		return entityID
	}
	return domain + "." + objectID[len(prefix):]
}

// SplitService splits "domain.service"
func SplitService(s string) (domain, service string, ok bool) {
	domain, service, found := strings.Cut(strings.TrimSpace(s), ".")
	if !found || domain == "" || service == "" {
		return "", "", false
	}
	return domain, service, true
}

// EntityIDs normalizes an entity_id field (a string, a comma-separated
// string, or a list) into lowercased, trimmed ids.
func EntityIDs(v interface{}) []string {
	var raw []string
	switch ids := v.(type) {
	case string:
		raw = strings.Split(ids, ",")
	case []string:
		raw = ids
	case []interface{}:
		for _, id := range ids {
			if s, ok := id.(string); ok {
				raw = append(raw, s)
			}
		}
	}

	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
