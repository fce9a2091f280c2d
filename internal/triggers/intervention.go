// Package triggers evaluates a fixed rule library against project-state
// deltas and surfaces ranked, de-duplicated interventions. The rules are
// pure conditions; actions are opaque identifiers the caller dispatches.
package triggers

type InterventionType string

const (
	TypeSuggestion  InterventionType = "suggestion"
	TypeWarning     InterventionType = "warning"
	TypeOpportunity InterventionType = "opportunity"
	TypeCelebration InterventionType = "celebration"
)

// Action is a serializable action identifier carried by an intervention.
// The API layer maps the id to behavior; the rule library stays free of
// side effects.
type Action struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	OneClick bool   `json:"one_click"`
}

type Intervention struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Type        InterventionType `json:"type"`
	Actions     []Action         `json:"actions,omitempty"`
	Dismissible bool             `json:"dismissible"`
	Priority    int              `json:"priority"`
}
