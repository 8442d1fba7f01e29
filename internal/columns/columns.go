// Package columns holds the canonical field configuration for property
// records: which fields the oracle may extract, which are required before a
// conversation can close, and which are off-limits to the engine entirely.
package columns

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Format describes how a field value is validated before a write.
type Format string

const (
	FormatText     Format = "text"
	FormatNumber   Format = "number"
	FormatCurrency Format = "currency"
	FormatURL      Format = "url"
)

// Field describes one canonical record field.
type Field struct {
	Name             string   // exact column header
	Description      string
	Format           Format
	Aliases          []string // lowercase synonyms accepted from the oracle
	Extractable      bool     // oracle may propose writes
	RequiredForClose bool     // must be filled before COMPLETE
	Formula          bool     // spreadsheet formula column, never written
	ReadOnly         bool     // pre-existing client data, never written
	Hints            string   // extraction hint surfaced to the oracle
}

// Registry is the set of fields for one record layout.
type Registry struct {
	fields  []Field
	byAlias map[string]*Field
}

// Default returns the standard industrial-property registry used when a
// client has no custom column mapping.
func Default() *Registry {
	return NewRegistry([]Field{
		{Name: "Property Address", Description: "Street address of the property", Format: FormatText, ReadOnly: true,
			Aliases: []string{"property address", "address", "street address", "property"}},
		{Name: "City", Description: "City where property is located", Format: FormatText, ReadOnly: true,
			Aliases: []string{"city", "town", "municipality"}},
		{Name: "Leasing Company", Description: "Company handling leasing", Format: FormatText, ReadOnly: true,
			Aliases: []string{"leasing company", "brokerage", "listing company"}},
		{Name: "Leasing Contact", Description: "Contact person name", Format: FormatText, ReadOnly: true,
			Aliases: []string{"leasing contact", "contact", "broker name", "agent name"}},
		{Name: "Email", Description: "Contact email address", Format: FormatText, ReadOnly: true,
			Aliases: []string{"email", "email address", "contact email", "e-mail"}},
		{Name: "Jill and Clients comments", Description: "Internal client notes", Format: FormatText, ReadOnly: true,
			Aliases: []string{"jill and clients comments", "client comments", "internal notes"}},
		{Name: "Total SF", Description: "Total leasable square footage", Format: FormatNumber, Extractable: true, RequiredForClose: true,
			Aliases: []string{"total sf", "square footage", "sq ft", "sf", "sqft", "square feet", "size"},
			Hints:   "Output plain number only (e.g. '15000' not '15,000 SF')"},
		{Name: "Rent/SF /Yr", Description: "Base rent per square foot per year", Format: FormatCurrency, Extractable: true, RequiredForClose: true,
			Aliases: []string{"rent/sf /yr", "rent/sf/yr", "asking rent", "base rent", "rent", "$/sf/yr"},
			Hints:   "Base/asking rent per SF per YEAR. Output plain decimal (e.g. '8.50')"},
		{Name: "Ops Ex /SF", Description: "Operating expenses per SF per year (NNN/CAM)", Format: FormatCurrency, Extractable: true, RequiredForClose: true,
			Aliases: []string{"ops ex /sf", "ops ex/sf", "nnn", "cam", "operating expenses", "opex", "triple net"},
			Hints:   "NNN/CAM per SF per YEAR. Output plain decimal; multiply monthly figures by 12"},
		{Name: "Gross Rent", Description: "Calculated gross rent", Format: FormatCurrency, Formula: true,
			Aliases: []string{"gross rent", "total rent", "all-in rent"}},
		{Name: "Drive Ins", Description: "Number of drive-in doors", Format: FormatNumber, Extractable: true, RequiredForClose: true,
			Aliases: []string{"drive ins", "drive-ins", "drive in doors", "loading doors", "grade doors"},
			Hints:   "Output just the number ('2' not '2 doors')"},
		{Name: "Docks", Description: "Number of dock doors", Format: FormatNumber, Extractable: true, RequiredForClose: true,
			Aliases: []string{"docks", "dock doors", "loading docks", "dock positions"},
			Hints:   "Number of dock-high doors. Output just the number"},
		{Name: "Ceiling Ht", Description: "Clear ceiling height", Format: FormatNumber, Extractable: true, RequiredForClose: true,
			Aliases: []string{"ceiling ht", "ceiling height", "clear height", "clearance"},
			Hints:   "Clear height in feet. Output just the number ('24' not '24 feet')"},
		{Name: "Power", Description: "Electrical power specifications", Format: FormatText, Extractable: true, RequiredForClose: true,
			Aliases: []string{"power", "electrical", "amps", "voltage", "electrical service"},
			Hints:   "Electrical specs as provided ('400A 3-phase', '208V', '200 amps')"},
		{Name: "Listing Brokers Comments", Description: "Broker notes not covered by other columns", Format: FormatText, Extractable: true,
			Aliases: []string{"listing brokers comments", "broker comments", "comments", "notes"},
			Hints:   "Terse fragments separated by ' • '. No numeric data that belongs in dedicated columns"},
		{Name: "Flyer / Link", Description: "Links to flyers or listings", Format: FormatURL, Extractable: true,
			Aliases: []string{"flyer / link", "flyer/link", "flyer", "link", "brochure"}},
	})
}

// NewRegistry builds a registry with alias lookup over the given fields.
func NewRegistry(fields []Field) *Registry {
	r := &Registry{fields: fields, byAlias: make(map[string]*Field)}
	for i := range r.fields {
		f := &r.fields[i]
		r.byAlias[strings.ToLower(strings.TrimSpace(f.Name))] = f
		for _, a := range f.Aliases {
			r.byAlias[strings.ToLower(strings.TrimSpace(a))] = f
		}
	}
	return r
}

// Lookup resolves a field name or alias to its canonical field.
func (r *Registry) Lookup(name string) (Field, bool) {
	f, ok := r.byAlias[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Field{}, false
	}
	return *f, true
}

// Writable reports whether the engine may write the named field at all.
// Read-only fields and formula columns are rejected regardless of what a
// Decision requests.
func (r *Registry) Writable(name string) bool {
	f, ok := r.Lookup(name)
	return ok && f.Extractable && !f.ReadOnly && !f.Formula
}

// RequiredForClose returns the canonical names of fields that must hold a
// value before a thread can complete.
func (r *Registry) RequiredForClose() []string {
	var out []string
	for _, f := range r.fields {
		if f.RequiredForClose {
			out = append(out, f.Name)
		}
	}
	return out
}

// MissingRequired returns the required fields absent or blank in the snapshot.
func (r *Registry) MissingRequired(snapshot map[string]string) []string {
	var missing []string
	for _, name := range r.RequiredForClose() {
		if strings.TrimSpace(snapshot[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

var (
	plainDecimalRx = regexp.MustCompile(`^\d+(\.\d+)?$`)
	urlRx          = regexp.MustCompile(`^https?://\S+$`)
)

// Validate checks a proposed value against the field's declared format.
// Invalid values are dropped field-by-field; the rest of a Decision still
// applies.
func (r *Registry) Validate(name, value string) error {
	f, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown field %q", name)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty value for %q", name)
	}
	switch f.Format {
	case FormatNumber, FormatCurrency:
		if !plainDecimalRx.MatchString(value) {
			return fmt.Errorf("field %q requires a plain decimal, got %q", name, value)
		}
	case FormatURL:
		if !urlRx.MatchString(value) {
			return fmt.Errorf("field %q requires a URL, got %q", name, value)
		}
	}
	return nil
}

// RulesPrompt renders the column-semantics section of the oracle prompt.
// Read-only fields are listed explicitly as forbidden so the oracle never
// proposes writes the router would have to reject.
func (r *Registry) RulesPrompt() string {
	var b strings.Builder
	b.WriteString("COLUMN SEMANTICS & MAPPING (use EXACT header names):\n")
	for _, f := range r.fields {
		switch {
		case f.Formula:
			fmt.Fprintf(&b, "- %q: DO NOT WRITE TO THIS COLUMN. It contains a formula.\n", f.Name)
		case f.Extractable:
			line := fmt.Sprintf("- %q: %s.", f.Name, f.Description)
			if f.Hints != "" {
				line += " " + f.Hints + "."
			}
			if len(f.Aliases) > 1 {
				line += " Synonyms: " + strings.Join(f.Aliases[1:], ", ") + "."
			}
			b.WriteString(line + "\n")
		}
	}
	b.WriteString("\nFORMATTING:\n")
	b.WriteString("- For money/area fields, output plain decimals (no \"$\", \"SF\", commas).\n")
	b.WriteString("- For counts and heights, output just the number.\n")
	b.WriteString("\nCRITICAL - ALLOWED COLUMNS ONLY:\n")
	b.WriteString("- You may ONLY propose updates to columns listed above.\n")
	fmt.Fprintf(&b, "- DO NOT update: %s.\n", strings.Join(r.readOnlyNames(), ", "))
	b.WriteString("- These fields contain pre-existing client data that must never change based on email content.\n")
	return b.String()
}

func (r *Registry) readOnlyNames() []string {
	var names []string
	for _, f := range r.fields {
		if f.ReadOnly {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}
