package registry

import "net/url"

// parseRealUUID extracts the persistent-identity UUID carried in a replica
// URI's query string (?uuid=...). Replica URIs that carry no such query, or
// that fail to parse as a URI at all, yield an empty string.
func parseRealUUID(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Query().Get("uuid")
}
