package refunds

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is a refund request status token. Identity is the token value;
// display labels never take part in comparisons.
type Status string

const (
	StatusSimulated          Status = "simulated"
	StatusRequested          Status = "requested"
	StatusQualifying         Status = "qualifying"
	StatusDocsPending        Status = "docs_pending"
	StatusDocsReceived       Status = "docs_received"
	StatusSubmitted          Status = "submitted"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusPaymentScheduled   Status = "payment_scheduled"
	StatusPaid               Status = "paid"
	StatusCanceled           Status = "canceled"
	StatusDatosSinSimulacion Status = "datos_sin_simulacion"
)

// StatusUnknown is returned when no tracked status exists for an instant.
// It is not a member of the catalog.
const StatusUnknown Status = "unknown"

var catalog = []Status{
	StatusSimulated,
	StatusRequested,
	StatusQualifying,
	StatusDocsPending,
	StatusDocsReceived,
	StatusSubmitted,
	StatusApproved,
	StatusRejected,
	StatusPaymentScheduled,
	StatusPaid,
	StatusCanceled,
	StatusDatosSinSimulacion,
}

var labels = map[Status]string{
	StatusSimulated:          "Simulado",
	StatusRequested:          "Solicitado",
	StatusQualifying:         "En calificación",
	StatusDocsPending:        "Documentos pendientes",
	StatusDocsReceived:       "Documentos recibidos",
	StatusSubmitted:          "Ingresado",
	StatusApproved:           "Aprobado",
	StatusRejected:           "Rechazado",
	StatusPaymentScheduled:   "Pago programado",
	StatusPaid:               "Pagado",
	StatusCanceled:           "Cancelado",
	StatusDatosSinSimulacion: "Datos sin simulación",
}

// AllStatuses returns the catalog in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(catalog))
	copy(out, catalog)
	return out
}

// ParseStatus canonicalises a raw token. Matching is case-insensitive and
// ignores surrounding whitespace.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := labels[s]; !ok {
		return StatusUnknown, &UnknownStatusError{Value: raw}
	}
	return s, nil
}

// Valid reports whether s is a catalog member.
func (s Status) Valid() bool {
	_, ok := labels[s]
	return ok
}

// Label returns the display label, or the raw token for non-members.
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

func (s Status) String() string { return string(s) }

// UnmarshalJSON canonicalises catalog tokens on the way in. Tokens outside
// the catalog are kept verbatim so callers can report them.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if parsed, err := ParseStatus(raw); err == nil {
		*s = parsed
		return nil
	}
	*s = Status(raw)
	return nil
}

// canonical returns the catalog token for s, or s unchanged.
func (s Status) canonical() Status {
	if parsed, err := ParseStatus(string(s)); err == nil {
		return parsed
	}
	return s
}

// UnknownStatusError reports a token outside the catalog.
type UnknownStatusError struct {
	Value string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown refund status %q", e.Value)
}
