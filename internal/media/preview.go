package media

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// PreviewScheme prefixes URLs handed out by a PreviewRegistry.
const PreviewScheme = "preview://"

// PreviewRegistry holds local previews of attachments that are still
// uploading. Every allocated URL must be released exactly once.
type PreviewRegistry struct {
	mu    sync.Mutex
	items map[string]File
}

func NewPreviewRegistry() *PreviewRegistry {
	return &PreviewRegistry{items: make(map[string]File)}
}

// Allocate stores f and returns its preview URL.
func (r *PreviewRegistry) Allocate(f File) string {
	url := PreviewScheme + uuid.NewString()
	r.mu.Lock()
	r.items[url] = f
	r.mu.Unlock()
	return url
}

// Get returns the file behind a preview URL.
func (r *PreviewRegistry) Get(url string) (File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.items[url]
	return f, ok
}

// Release frees a preview. It reports whether the URL was live.
func (r *PreviewRegistry) Release(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[url]; !ok {
		return false
	}
	delete(r.items, url)
	return true
}

// Len returns the number of live previews.
func (r *PreviewRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// IsPreviewURL reports whether url was issued by a registry.
func IsPreviewURL(url string) bool {
	return strings.HasPrefix(url, PreviewScheme)
}
