package proxy

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/remote-mirror/pkg/types"
)

// DescriptionCacheSize bounds the shared description cache
const DescriptionCacheSize = 1024

// The description cache is process-wide: every registrar writes the peer's
// metadata for its shadow services here, keyed by local "domain.service".
var (
	descriptionsOnce sync.Once
	descriptions     *lru.Cache[string, types.ServiceDescription]
)

func descriptionCache() *lru.Cache[string, types.ServiceDescription] {
	descriptionsOnce.Do(func() {
		// only fails for a non-positive size
		descriptions, _ = lru.New[string, types.ServiceDescription](DescriptionCacheSize)
	})
	return descriptions
}

func descriptionKey(domain, service string) string {
	return strings.ToLower(domain) + "." + strings.ToLower(service)
}

// Description returns the cached peer description of a local shadow service
func Description(domain, service string) (types.ServiceDescription, bool) {
	return descriptionCache().Get(descriptionKey(domain, service))
}

func storeDescription(domain, service string, desc types.ServiceDescription) {
	descriptionCache().Add(descriptionKey(domain, service), desc)
}

func evictDescription(domain, service string) {
	descriptionCache().Remove(descriptionKey(domain, service))
}
