package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/shipflow-core/server/internal/agent/model"
)

type sourcePrint struct {
	Identity string        `json:"identity"`
	RowCount int           `json:"row_count"`
	Columns  []columnPrint `json:"columns"`
}

type columnPrint struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type contactPrint struct {
	Handle     string    `json:"handle"`
	Name       string    `json:"name"`
	Company    string    `json:"company"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	PostalCode string    `json:"postal_code"`
	Country    string    `json:"country"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type fingerprintInput struct {
	Source   *sourcePrint    `json:"source"`
	Modes    model.ModeFlags `json:"modes"`
	Contacts []contactPrint  `json:"contacts"`
}

// Fingerprint hashes the inputs that shape an agent's instructions. Contact
// order is significant because the instructions list them in that order.
func Fingerprint(snap *model.DataSourceSnapshot, modes model.ModeFlags, contacts []model.Contact) (string, error) {
	in := fingerprintInput{Modes: modes, Contacts: make([]contactPrint, 0, len(contacts))}
	if snap.Connected() {
		sp := &sourcePrint{Identity: snap.Identity, RowCount: snap.RowCount, Columns: make([]columnPrint, 0, len(snap.Columns))}
		for _, c := range snap.Columns {
			sp.Columns = append(sp.Columns, columnPrint{Name: c.Name, Type: c.Type})
		}
		in.Source = sp
	}
	for _, c := range contacts {
		in.Contacts = append(in.Contacts, contactPrint{
			Handle: c.Handle, Name: c.Name, Company: c.Company, City: c.City, State: c.State,
			PostalCode: c.PostalCode, Country: c.Country, UpdatedAt: c.UpdatedAt.UTC(),
		})
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("fingerprint encode: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
