package collab

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/shipflow-core/server/internal/agent/model"
	errx "github.com/shipflow-core/server/internal/core/error"
)

// Shipment fields the sandbox reads.
const (
	fieldPostalCode  = "ship_to_postal_code"
	fieldAddress     = "ship_to_address1"
	fieldWeight      = "weight_lbs"
	fieldServiceCode = "service_code"
	// FieldAddressValid set to "false" makes the sandbox reject a shipment
	// at execution, the way address validation would.
	FieldAddressValid = "address_valid"
)

// baseCents is the flat sandbox rate per service code.
var baseCents = map[string]int64{
	"01": 3499,
	"02": 1899,
	"03": 899,
	"12": 1399,
	"13": 2999,
	"14": 5499,
	"59": 2199,
}

const (
	defaultBaseCents = 1299
	centsPerLb       = 100
)

// SandboxCarrier rates and "ships" deterministically without any network.
type SandboxCarrier struct {
	mu       sync.Mutex
	seq      int
	executed int
	rated    int
	shipped  map[string]bool
}

var _ model.Carrier = (*SandboxCarrier)(nil)

func NewSandboxCarrier() *SandboxCarrier {
	return &SandboxCarrier{shipped: make(map[string]bool)}
}

func (c *SandboxCarrier) Rate(ctx context.Context, shipments []model.Shipment) ([]model.RateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rated += len(shipments)
	c.mu.Unlock()

	out := make([]model.RateResult, len(shipments))
	for i, s := range shipments {
		if strings.TrimSpace(s[fieldPostalCode]) == "" {
			out[i] = model.RateResult{Error: "missing recipient postal code"}
			continue
		}
		out[i] = model.RateResult{CostCents: quote(s), Currency: "USD"}
	}
	return out, nil
}

func (c *SandboxCarrier) Execute(ctx context.Context, shipments []model.Shipment) ([]model.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.ExecResult, len(shipments))
	for i, s := range shipments {
		c.executed++
		if reason := invalid(s); reason != "" {
			out[i] = model.ExecResult{FailureReason: reason}
			continue
		}
		c.seq++
		id := fmt.Sprintf("1ZSBX%011d", c.seq)
		c.shipped[id] = true
		out[i] = model.ExecResult{TrackingID: id}
	}
	return out, nil
}

func (c *SandboxCarrier) Void(_ context.Context, trackingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shipped[trackingID] {
		return errx.Coded(errx.CodeNotFound, http.StatusNotFound,
			fmt.Sprintf("No shipment with tracking number %s.", trackingID), nil)
	}
	delete(c.shipped, trackingID)
	return nil
}

// Executed counts shipments sent to Execute, failed or not.
func (c *SandboxCarrier) Executed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

// Rated counts shipments sent to Rate.
func (c *SandboxCarrier) Rated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rated
}

func quote(s model.Shipment) int64 {
	base, ok := baseCents[s[fieldServiceCode]]
	if !ok {
		base = defaultBaseCents
	}
	w, _ := strconv.ParseFloat(s[fieldWeight], 64)
	if w < 1 {
		w = 1
	}
	return base + int64(w*centsPerLb)
}

func invalid(s model.Shipment) string {
	switch {
	case strings.TrimSpace(s[fieldPostalCode]) == "":
		return "Address validation failed: missing postal code"
	case strings.EqualFold(s[FieldAddressValid], "false"):
		return "Address validation failed: the recipient address could not be verified"
	case strings.TrimSpace(s[fieldAddress]) == "" && s[FieldAddressValid] != "":
		return "Address validation failed: missing street address"
	}
	return ""
}
