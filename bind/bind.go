// Package bind decodes and validates admin request payloads.
//
// JSON bodies and query strings are decoded into structs and checked with
// go-playground/validator tags. Failures are reported through the wrapper as
// a 400 validation error listing every rejected field, or 413 when the body
// exceeds a validate.MaxBodySize limit.
//
//	var req lockRequest
//	if !bind.JSON(r, &req) {
//	    return
//	}
package bind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nhalm/guardkit/wrapper"
)

type contextKey struct{}

var (
	validate      *validator.Validate
	validateMu    sync.RWMutex
	defaultConfig = &config{formatter: defaultFormatter}
	durationType  = reflect.TypeOf(time.Duration(0))
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "query"} {
			if name, _, _ := strings.Cut(fld.Tag.Get(tag), ","); name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
}

// MessageFormatter renders the message for one failed rule, given the field
// name, the validation tag and its parameter ("10" for "min=10").
type MessageFormatter func(field, tag, param string) string

type config struct {
	formatter  MessageFormatter
	strictJSON bool
}

// Option configures New.
type Option func(*config)

// WithFormatter replaces the default English messages.
func WithFormatter(fn MessageFormatter) Option {
	return func(c *config) {
		c.formatter = fn
	}
}

// WithStrictJSON rejects JSON bodies carrying fields the target struct does
// not declare.
func WithStrictJSON() Option {
	return func(c *config) {
		c.strictJSON = true
	}
}

// New returns middleware that makes the options visible to JSON and Query.
// Without it the defaults apply.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{formatter: defaultFormatter}
	for _, opt := range opts {
		opt(cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, cfg)))
		})
	}
}

func getConfig(ctx context.Context) *config {
	if cfg, ok := ctx.Value(contextKey{}).(*config); ok {
		return cfg
	}
	return defaultConfig
}

func defaultFormatter(_, tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "min", "gte":
		return "must be at least " + param
	case "max", "lte":
		return "must be at most " + param
	case "oneof":
		return "must be one of: " + param
	case "ip":
		return "must be an IP address"
	case "uuid":
		return "must be a valid UUID"
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

// JSON decodes the request body into dest and validates it. It reports false
// after recording the error in the wrapper state.
func JSON(r *http.Request, dest any) bool {
	cfg := getConfig(r.Context())
	dec := json.NewDecoder(r.Body)
	if cfg.strictJSON {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			wrapper.SetError(r, wrapper.ErrPayloadTooLarge.With("Request body too large"))
		} else {
			wrapper.SetError(r, wrapper.ErrBadRequest.With("Invalid JSON request body"))
		}
		return false
	}
	return check(r, cfg, dest)
}

// Query decodes query parameters into the fields of dest tagged `query` and
// validates the result. time.Duration fields accept Go duration strings.
func Query(r *http.Request, dest any) bool {
	if err := decodeQuery(r, dest); err != nil {
		wrapper.SetError(r, wrapper.ErrBadRequest.With("Invalid query parameters: "+err.Error()))
		return false
	}
	return check(r, getConfig(r.Context()), dest)
}

func check(r *http.Request, cfg *config, dest any) bool {
	validateMu.RLock()
	err := validate.Struct(dest)
	validateMu.RUnlock()
	if err == nil {
		return true
	}
	wrapper.SetError(r, wrapper.NewValidationError(translateErrors(err, cfg.formatter)))
	return false
}

// RegisterValidation adds a custom validation tag. Call it during startup.
func RegisterValidation(tag string, fn validator.Func) error {
	validateMu.Lock()
	defer validateMu.Unlock()
	return validate.RegisterValidation(tag, fn)
}

func translateErrors(err error, formatter MessageFormatter) []wrapper.FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []wrapper.FieldError{{Code: "validation", Message: err.Error()}}
	}
	out := make([]wrapper.FieldError, len(errs))
	for i, e := range errs {
		out[i] = wrapper.FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: formatter(e.Field(), e.Tag(), e.Param()),
		}
	}
	return out
}

func decodeQuery(r *http.Request, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("dest must be a non-nil pointer to a struct")
	}
	v := rv.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("dest must point to a struct, got %s", v.Kind())
	}
	t := v.Type()
	query := r.URL.Query()

	for i := range t.NumField() {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("query"), ",")
		if name == "" || name == "-" {
			continue
		}
		field := v.Field(i)
		value := query.Get(name)
		if value == "" || !field.CanSet() {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported type %s", field.Kind())
	}
	return nil
}
