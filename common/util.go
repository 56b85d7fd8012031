package common

import "hash/fnv"

// GenerateIDFromPath takes an absolute path and converts it into a numeric ID;
// this is used to derive stable module keys for IR files loaded from disk
func GenerateIDFromPath(abspath string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(abspath))
	return h.Sum64()
}

// IsValidIdentifier returns whether or not a given string would be a valid
// identifier (manifest name, dylib name, etc.)
func IsValidIdentifier(idstr string) bool {
	if idstr == "" {
		return false
	}

	if idstr[0] == '_' || ('a' <= idstr[0] && idstr[0] <= 'z') || ('A' <= idstr[0] && idstr[0] <= 'Z') {
		for _, c := range idstr[1:] {
			if c == '_' || c == '.' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
				continue
			}

			return false
		}

		return true
	}

	return false
}
