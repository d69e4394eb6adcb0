// Package fhirclient is a read-only FHIR R4 client covering the resource
// slices the KPI pipeline needs: Procedure searches and batched Patient and
// Encounter lookups.
package fhirclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FHIRTime unmarshals FHIR date and dateTime values, which range from a bare
// year to a full timezone-qualified instant.
type FHIRTime struct {
	time.Time
}

var fhirTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func (t *FHIRTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range fhirTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized FHIR time %q", s)
}

func (t FHIRTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(t.Format(time.RFC3339))
}

// Reference is a FHIR literal reference ("Type/id", possibly absolute).
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// ID returns the logical id portion of the reference, or "" when the
// reference is absent or has no path segments.
func (r *Reference) ID() string {
	if r == nil || r.Reference == "" {
		return ""
	}
	parts := strings.Split(strings.TrimRight(r.Reference, "/"), "/")
	return parts[len(parts)-1]
}

// Coding is a single code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a coded value with an optional free-text fallback.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCode returns the code of the first coding, or "".
func (c *CodeableConcept) FirstCode() string {
	if c == nil || len(c.Coding) == 0 {
		return ""
	}
	return c.Coding[0].Code
}

// Period is a FHIR time range; either end may be absent.
type Period struct {
	Start *FHIRTime `json:"start,omitempty"`
	End   *FHIRTime `json:"end,omitempty"`
}

// ---------------------------------------------------------------------------
// Resources
// ---------------------------------------------------------------------------

// ProcedurePerformer links a procedure to the practitioner who performed it.
type ProcedurePerformer struct {
	Actor *Reference `json:"actor,omitempty"`
}

// Procedure is the subset of the FHIR Procedure resource the pipeline reads.
type Procedure struct {
	ID              string               `json:"id"`
	Status          string               `json:"status,omitempty"`
	Code            *CodeableConcept     `json:"code,omitempty"`
	Subject         *Reference           `json:"subject,omitempty"`
	Encounter       *Reference           `json:"encounter,omitempty"`
	PerformedPeriod *Period              `json:"performedPeriod,omitempty"`
	Performer       []ProcedurePerformer `json:"performer,omitempty"`
}

// PerformedEnd returns the end of the performed period, or nil.
func (p *Procedure) PerformedEnd() *FHIRTime {
	if p.PerformedPeriod == nil {
		return nil
	}
	return p.PerformedPeriod.End
}

// PerformerName returns the display of the first performer's actor, falling
// back to the raw reference, then "Unknown".
func (p *Procedure) PerformerName() string {
	if len(p.Performer) == 0 || p.Performer[0].Actor == nil {
		return "Unknown"
	}
	actor := p.Performer[0].Actor
	if actor.Display != "" {
		return actor.Display
	}
	if actor.Reference != "" {
		return actor.Reference
	}
	return "Unknown"
}

// Patient is the subset of the FHIR Patient resource the pipeline reads.
type Patient struct {
	ID               string    `json:"id"`
	Gender           string    `json:"gender,omitempty"`
	BirthDate        *FHIRTime `json:"birthDate,omitempty"`
	DeceasedDateTime *FHIRTime `json:"deceasedDateTime,omitempty"`
}

// Hospitalization carries the discharge disposition of an admission.
type Hospitalization struct {
	DischargeDisposition *CodeableConcept `json:"dischargeDisposition,omitempty"`
}

// Encounter is the subset of the FHIR Encounter resource the pipeline reads.
type Encounter struct {
	ID              string           `json:"id"`
	Status          string           `json:"status,omitempty"`
	Period          *Period          `json:"period,omitempty"`
	Hospitalization *Hospitalization `json:"hospitalization,omitempty"`
	ServiceProvider *Reference       `json:"serviceProvider,omitempty"`
}

// DepartmentName returns the service provider display, or a placeholder when
// the encounter carries none.
func (e *Encounter) DepartmentName() string {
	if e.ServiceProvider != nil && e.ServiceProvider.Display != "" {
		return e.ServiceProvider.Display
	}
	return "Unknown Department"
}

// DischargeCode returns the first discharge-disposition code, or "".
func (e *Encounter) DischargeCode() string {
	if e.Hospitalization == nil {
		return ""
	}
	return e.Hospitalization.DischargeDisposition.FirstCode()
}

// ---------------------------------------------------------------------------
// Bundle
// ---------------------------------------------------------------------------

// BundleEntry wraps one resource in a search result.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// Bundle is a FHIR searchset bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        int           `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}
