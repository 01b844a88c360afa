// Package analysis invokes the external frame-analysis service: it ships a
// short burst of still frames and returns the service's structured
// description. Analysis is an independent failure domain — nothing here
// touches negotiation state.
package analysis

// Severity classifies what the analysis service saw.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// Report is the structured description returned for one burst of frames.
type Report struct {
	Summary   string   `json:"summary"`
	Entities  []string `json:"entities"`
	Severity  Severity `json:"severity"`
	Narrative string   `json:"narrative"`
}
