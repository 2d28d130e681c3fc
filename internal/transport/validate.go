package transport

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// outboundChecks vets request payloads before they leave the client, so an
// obviously malformed admin send fails locally instead of burning a round
// trip. Failure messages name fields by their json tag to match the wire.
var outboundChecks = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		tag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if tag == "" || tag == "-" {
			return field.Name
		}
		return tag
	})
	return v
}()

func checkOutbound(payload any) error {
	err := outboundChecks.Struct(payload)
	if err == nil {
		return nil
	}

	var fails validator.ValidationErrors
	if !errors.As(err, &fails) {
		return err
	}

	msgs := make([]string, 0, len(fails))
	for _, f := range fails {
		switch {
		case f.Tag() == "required":
			msgs = append(msgs, f.Field()+" is required")
		case f.Param() != "":
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", f.Field(), f.Tag(), f.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", f.Field(), f.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
