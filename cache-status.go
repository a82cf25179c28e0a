package cachingproxy

// CacheStatusHeader is the response header carrying the lookup result.
const CacheStatusHeader = "X-Cache"

type CacheStatus string

const (
	// The cache held a body for the request key.
	CacheStatusHit CacheStatus = "HIT"

	// The cache held nothing for the request key, so the request
	// was forwarded to the origin.
	CacheStatusMiss CacheStatus = "MISS"
)

func (cs CacheStatus) String() string {
	return string(cs)
}
