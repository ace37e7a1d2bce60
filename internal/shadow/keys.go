package shadow

import (
	"fmt"
	"time"
)

const prefixShadow = "shadow/entry/"

// shadowKey orders by source, then buffer time, then id — lexicographic
// Pebble iteration therefore visits a source's entries oldest first, which
// is the order recovery replay wants.
func shadowKey(source string, bufferedAt time.Time, shadowID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixShadow, source, bufferedAt.UnixNano(), shadowID))
}

func shadowPrefix(source string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixShadow, source))
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
