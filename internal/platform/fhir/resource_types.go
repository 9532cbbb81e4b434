package fhir

import "regexp"

// resourceTypePattern matches syntactically valid FHIR resource type names.
var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{1,63}$`)

// referencePattern matches FHIR references in the format "ResourceType/id".
var referencePattern = regexp.MustCompile(`^[A-Z][a-zA-Z]+/[a-zA-Z0-9\-\.]{1,64}$`)

// fhirIDPattern matches valid FHIR logical ids.
var fhirIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// knownResourceTypes lists FHIR R4 resource types recognized by this server.
var knownResourceTypes = map[string]bool{
	"Patient": true, "Practitioner": true, "PractitionerRole": true,
	"Organization": true, "Location": true, "Encounter": true,
	"Condition": true, "Observation": true, "AllergyIntolerance": true,
	"Procedure": true, "Medication": true, "MedicationRequest": true,
	"MedicationAdministration": true, "MedicationDispense": true,
	"MedicationStatement": true, "ServiceRequest": true,
	"DiagnosticReport": true, "ImagingStudy": true, "Specimen": true,
	"Appointment": true, "Schedule": true, "Slot": true,
	"Coverage": true, "Claim": true, "ClaimResponse": true,
	"Consent": true, "DocumentReference": true, "Composition": true,
	"Communication": true, "ResearchStudy": true, "ResearchSubject": true,
	"Questionnaire": true, "QuestionnaireResponse": true,
	"Immunization": true, "CareTeam": true, "CarePlan": true,
	"Device": true, "Goal": true, "RelatedPerson": true,
	"Provenance": true, "Task": true, "EpisodeOfCare": true,
	"Bundle": true, "OperationOutcome": true, "CapabilityStatement": true,
}

// IsValidResourceType reports whether t is a resource type this server stores.
// Syntactically well-formed but unlisted types are accepted: the store is
// generic and new FHIR types must not require a server change.
func IsValidResourceType(t string) bool {
	if knownResourceTypes[t] {
		return true
	}
	return resourceTypePattern.MatchString(t)
}

// IsKnownResourceType reports whether t is in the FHIR R4 list above.
func IsKnownResourceType(t string) bool {
	return knownResourceTypes[t]
}

// IsValidFHIRID reports whether id is a valid FHIR logical id.
func IsValidFHIRID(id string) bool {
	return fhirIDPattern.MatchString(id)
}

// IsValidReference reports whether ref looks like "ResourceType/id".
func IsValidReference(ref string) bool {
	return referencePattern.MatchString(ref)
}
