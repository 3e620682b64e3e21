// Package notify fans a business event out to the recipients subscribed to it.
package notify

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Missing is written wherever an event field has no value.
const Missing = "N/D"

var ErrUnknownEvent = errors.New("unknown event type")

// Event types
const (
	EventNewOrder          = "nuovo_ordine"
	EventDeadlineApproach  = "scadenza_imminente"
	EventPurchaseOrderMove = "cambio_stato_ordine_acquisto"
)

// Definition describes how one event type is rendered on each channel.
type Definition struct {
	Type string
	// WhatsAppTemplate is the approved Meta template name.
	WhatsAppTemplate string
	// Fields are the payload keys, in template parameter order.
	Fields  []string
	Subject string
	Body    string
}

var definitions = map[string]Definition{
	EventNewOrder: {
		Type:             EventNewOrder,
		WhatsAppTemplate: "nuovo_ordine",
		Fields:           []string{"order_number", "customer_name", "total_amount", "delivery_date"},
		Subject:          `Nuovo ordine {{ order_number }} - {{ customer_name }}`,
		Body: `<p>Ciao {{ recipient_name | escape }},</p>
<p>è stato registrato un nuovo ordine.</p>
<ul>
  <li>Numero ordine: <strong>{{ order_number | escape }}</strong></li>
  <li>Cliente: {{ customer_name | escape }}</li>
  <li>Importo totale: {{ total_amount | escape }}</li>
  <li>Data di consegna: {{ delivery_date | escape }}</li>
</ul>`,
	},
	EventDeadlineApproach: {
		Type:             EventDeadlineApproach,
		WhatsAppTemplate: "scadenza_imminente",
		Fields:           []string{"order_number", "customer_name", "deadline", "days_remaining"},
		Subject:          `Scadenza imminente: ordine {{ order_number }}`,
		Body: `<p>Ciao {{ recipient_name | escape }},</p>
<p>l'ordine <strong>{{ order_number | escape }}</strong> di {{ customer_name | escape }} è in scadenza.</p>
<ul>
  <li>Scadenza: {{ deadline | escape }}</li>
  <li>Giorni rimanenti: {{ days_remaining | escape }}</li>
</ul>`,
	},
	EventPurchaseOrderMove: {
		Type:             EventPurchaseOrderMove,
		WhatsAppTemplate: "cambio_stato_oda",
		Fields:           []string{"order_number", "supplier_name", "new_status", "order_date"},
		Subject:          `Ordine di acquisto {{ order_number }}: {{ new_status }}`,
		Body: `<p>Ciao {{ recipient_name | escape }},</p>
<p>l'ordine di acquisto <strong>{{ order_number | escape }}</strong> ha cambiato stato.</p>
<ul>
  <li>Fornitore: {{ supplier_name | escape }}</li>
  <li>Nuovo stato: {{ new_status | escape }}</li>
  <li>Data ordine: {{ order_date | escape }}</li>
</ul>`,
	},
}

// Lookup returns the definition for an event type.
func Lookup(eventType string) (Definition, error) {
	def, ok := definitions[eventType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}
	return def, nil
}

// Types lists the known event types, sorted.
func Types() []string {
	out := make([]string, 0, len(definitions))
	for t := range definitions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Event is one occurrence of a business event.
type Event struct {
	Type   string
	Fields map[string]string
}

// NewEvent builds an event from a decoded JSON payload. Only the fields the
// event type declares are kept; numbers and booleans are stringified.
func NewEvent(eventType string, payload map[string]any) (Event, error) {
	def, err := Lookup(eventType)
	if err != nil {
		return Event{}, err
	}

	ev := Event{Type: eventType, Fields: make(map[string]string, len(def.Fields))}
	for _, f := range def.Fields {
		if s := stringify(payload[f]); s != "" {
			ev.Fields[f] = s
		}
	}
	return ev, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Value returns the field or the placeholder.
func (e Event) Value(field string) string {
	if v := e.Fields[field]; v != "" {
		return v
	}
	return Missing
}

// Params builds the WhatsApp template parameters: recipient name first,
// then the event fields in declaration order.
func (d Definition) Params(recipientName string, e Event) []string {
	params := make([]string, 0, len(d.Fields)+1)
	if recipientName == "" {
		recipientName = Missing
	}
	params = append(params, recipientName)
	for _, f := range d.Fields {
		params = append(params, e.Value(f))
	}
	return params
}
