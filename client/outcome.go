package client

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/habedi/crmkit/apierr"
)

// Outcome is the single value returned across the core boundary: either a
// successful payload (or an explicit no-content marker) plus response headers,
// or a classified error with the raw status code.
type Outcome struct {
	Status    int
	NoContent bool
	Payload   json.RawMessage
	Header    http.Header
	Err       *apierr.Error
}

// OK reports whether the call succeeded.
func (o *Outcome) OK() bool { return o.Err == nil }

// Decode unmarshals the payload into v. It fails on no-content outcomes.
func (o *Outcome) Decode(v any) error {
	if o.Err != nil {
		return o.Err
	}
	if o.NoContent || len(o.Payload) == 0 {
		return fmt.Errorf("response has no content to decode")
	}
	return json.Unmarshal(o.Payload, v)
}
