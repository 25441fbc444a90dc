package order

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidationError lists the fields of an order that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s", strings.Join(e.Fields, ", "))
}

// Validate checks that the order can be processed: at least one item, positive
// quantities, complete delivery details and a known payment method.
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return ErrEmptyItems
	}
	if !o.PaymentMethod.Valid() {
		return &ValidationError{Fields: []string{"payment_method"}}
	}

	v := validatorInstance()
	var fields []string
	collect := func(prefix string, err error) error {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields = append(fields, prefix+fe.Field()+" ("+fe.Tag()+")")
		}
		return nil
	}

	for i := range o.Items {
		if err := v.Struct(&o.Items[i]); err != nil {
			if err := collect(fmt.Sprintf("items[%d].", i), err); err != nil {
				return errors.Wrap(err, "validate item")
			}
		}
	}
	if err := v.Struct(&o.Delivery); err != nil {
		if err := collect("delivery.", err); err != nil {
			return errors.Wrap(err, "validate delivery")
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
