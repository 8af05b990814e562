package queue

import (
	"fmt"
	"strings"
	"time"
)

// FullPolicy decides what happens when an address exceeds MaxSizeBytes.
type FullPolicy string

const (
	// PolicyPage keeps accepting messages; excess is paged out of memory.
	PolicyPage FullPolicy = "PAGE"
	// PolicyDrop silently drops messages while the address is full.
	PolicyDrop FullPolicy = "DROP"
	// PolicyBlock blocks producers until space is available.
	PolicyBlock FullPolicy = "BLOCK"
	// PolicyFail rejects sends with ErrAddressFull.
	PolicyFail FullPolicy = "FAIL"
)

// ParseFullPolicy parses a policy name, case-insensitively. Empty means PAGE.
func ParseFullPolicy(s string) (FullPolicy, error) {
	switch p := FullPolicy(strings.ToUpper(strings.TrimSpace(s))); p {
	case "":
		return PolicyPage, nil
	case PolicyPage, PolicyDrop, PolicyBlock, PolicyFail:
		return p, nil
	default:
		return "", fmt.Errorf("unknown address full policy %q (supported: PAGE, DROP, BLOCK, FAIL)", s)
	}
}

// AddressSettings configures limits and redelivery for matching addresses.
// Zero values mean "transport default".
type AddressSettings struct {
	// MaxSizeBytes bounds the bytes held by each queue of the address; <= 0 is unbounded.
	MaxSizeBytes int64
	Policy       FullPolicy
	// PageSizeBytes and PageCacheMax tune paging when Policy is PAGE.
	PageSizeBytes int64
	PageCacheMax  int
	// MaxDeliveryAttempts before the transport moves a message to
	// DeadLetterAddress (or drops it when none is set). <= 0 means unlimited.
	MaxDeliveryAttempts int
	RedeliveryDelay     time.Duration
	DeadLetterAddress   string
}
