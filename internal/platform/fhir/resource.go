// Package fhir carries the FHIR R4 datatypes used when exposing ED records
// to clinical-data exchange, plus OperationOutcome error bodies.
package fhir

import (
	"fmt"
	"strings"
	"time"
)

// Code systems referenced by the ED mappings.
const (
	SystemLOINC             = "http://loinc.org"
	SystemUCUM              = "http://unitsofmeasure.org"
	SystemObservationCat    = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemLocationPhysType  = "http://terminology.hl7.org/CodeSystem/location-physical-type"
	SystemBedStatus         = "http://terminology.hl7.org/CodeSystem/v2-0116"
	SystemMeasurePopulation = "http://terminology.hl7.org/CodeSystem/measure-population"
)

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

type Extension struct {
	URL            string      `json:"url"`
	ValueString    string      `json:"valueString,omitempty"`
	ValueCode      string      `json:"valueCode,omitempty"`
	ValueBoolean   *bool       `json:"valueBoolean,omitempty"`
	ValueInteger   *int        `json:"valueInteger,omitempty"`
	ValueDecimal   *float64    `json:"valueDecimal,omitempty"`
	ValueDateTime  string      `json:"valueDateTime,omitempty"`
	ValueReference *Reference  `json:"valueReference,omitempty"`
	Extension      []Extension `json:"extension,omitempty"`
}

// FormatReference builds "Type/id".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ParseReference splits "Type/id"; it rejects anything else.
func ParseReference(ref string) (resourceType, id string, err error) {
	resourceType, id, ok := strings.Cut(ref, "/")
	if !ok || resourceType == "" || id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("invalid reference %q", ref)
	}
	return resourceType, id, nil
}

// CodeOf returns the first code in concept for system, or "".
func CodeOf(concept map[string]interface{}, system string) string {
	codings, _ := concept["coding"].([]interface{})
	for _, ci := range codings {
		c, ok := ci.(map[string]interface{})
		if !ok {
			continue
		}
		if s, _ := c["system"].(string); system == "" || s == system {
			code, _ := c["code"].(string)
			return code
		}
	}
	return ""
}

// OperationOutcome is the FHIR error body.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

func TransientOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "transient", diagnostics)
}
