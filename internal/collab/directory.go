package collab

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shipflow-core/server/internal/agent/model"
	errx "github.com/shipflow-core/server/internal/core/error"
)

// MemoryDirectory is an address book ordered by most recent use.
type MemoryDirectory struct {
	mu       sync.Mutex
	now      func() time.Time
	contacts map[string]model.Contact
}

var _ model.Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory(now func() time.Time) *MemoryDirectory {
	if now == nil {
		now = time.Now
	}
	return &MemoryDirectory{now: now, contacts: make(map[string]model.Contact)}
}

// Save inserts or replaces c and stamps UpdatedAt.
func (d *MemoryDirectory) Save(c model.Contact) error {
	c.Handle = normalizeHandle(c.Handle)
	if c.Handle == "" {
		return errx.Coded(errx.CodeInvalidInput, http.StatusBadRequest, "A contact needs a handle.", nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.contacts[c.Handle]; ok && c.LastUsedAt.IsZero() {
		c.LastUsedAt = prev.LastUsedAt
	}
	c.UpdatedAt = d.now()
	d.contacts[c.Handle] = c
	return nil
}

// Resolve returns the contacts found among handles. Unknown handles are
// simply absent from the result.
func (d *MemoryDirectory) Resolve(_ context.Context, handles []string) (map[string]model.Contact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]model.Contact, len(handles))
	for _, h := range handles {
		key := normalizeHandle(h)
		if c, ok := d.contacts[key]; ok {
			out[key] = c
		}
	}
	return out, nil
}

func (d *MemoryDirectory) TouchLastUsed(_ context.Context, handle string) error {
	key := normalizeHandle(handle)
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contacts[key]
	if !ok {
		return errx.Coded(errx.CodeNotFound, http.StatusNotFound, fmt.Sprintf("No saved contact @%s.", key), nil)
	}
	c.LastUsedAt = d.now()
	d.contacts[key] = c
	return nil
}

// Recent returns up to n contacts, most recently used first. Ties and
// never-used contacts order by handle.
func (d *MemoryDirectory) Recent(_ context.Context, n int) ([]model.Contact, error) {
	d.mu.Lock()
	all := make([]model.Contact, 0, len(d.contacts))
	for _, c := range d.contacts {
		all = append(all, c)
	}
	d.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastUsedAt.Equal(all[j].LastUsedAt) {
			return all[i].LastUsedAt.After(all[j].LastUsedAt)
		}
		return all[i].Handle < all[j].Handle
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
