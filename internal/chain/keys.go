package chain

import "fmt"

// Key layout in the shared Pebble handle (§4.4, §6 "persisted state layout").
// Sequence numbers are zero-padded in the key so lexicographic Pebble
// iteration order matches numeric order.
const (
	prefixEntry = "chain/entry/"
	prefixLast  = "chain/last/"
	prefixGap   = "chain/gap/"
)

func entryKey(source string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixEntry, source, seq))
}

func entryPrefix(source string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixEntry, source))
}

func lastKey(source string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixLast, source))
}

func gapKey(source, gapID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixGap, source, gapID))
}

func gapPrefix(source string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixGap, source))
}
