package config

// Keys of the single-domain layout that earlier releases wrote.
var legacySiteKeys = []string{"domain", "with_www", "tls"}

// migrateLegacySite rewrites an older site document in place so that it
// carries site_name and a [[domains]] array. It reports whether anything
// changed.
func migrateLegacySite(doc map[string]interface{}, fallbackName string) bool {
	changed := false

	if s, _ := doc["site_name"].(string); s == "" {
		name := firstString(doc, "site_user", "domain")
		if name == "" {
			name = fallbackName
		}
		doc["site_name"] = name
		changed = true
	}

	if raw, ok := doc["domains"]; ok {
		list, isList := raw.([]interface{})
		if !isList {
			return changed
		}
		entries := make([]interface{}, 0, len(list))
		for _, item := range list {
			switch v := item.(type) {
			case string:
				if v == "" {
					continue
				}
				entries = append(entries, map[string]interface{}{"name": v})
				changed = true
			case map[string]interface{}:
				if _, has := v["name"]; !has {
					if d, _ := v["domain"].(string); d != "" {
						v["name"] = d
						delete(v, "domain")
						changed = true
					}
				}
				if n, _ := v["name"].(string); n == "" {
					changed = true
					continue
				}
				entries = append(entries, v)
			}
		}
		doc["domains"] = entries
		return changed
	}

	domain, _ := doc["domain"].(string)
	if domain == "" {
		return changed
	}

	entry := map[string]interface{}{"name": domain}
	if www, ok := doc["with_www"].(bool); ok {
		entry["with_www"] = www
	}
	if tls, ok := doc["tls"].(map[string]interface{}); ok {
		if enabled, ok := tls["enabled"].(bool); ok {
			entry["tls_enabled"] = enabled
		}
		for _, key := range []string{"ssl_certificate", "ssl_certificate_key"} {
			if v, ok := tls[key].(string); ok {
				entry[key] = v
			}
		}
	}
	doc["domains"] = []interface{}{entry}
	for _, key := range legacySiteKeys {
		delete(doc, key)
	}
	return true
}

func firstString(doc map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, _ := doc[key].(string); s != "" {
			return s
		}
	}
	return ""
}
