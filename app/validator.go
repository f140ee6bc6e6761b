package app

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {

	validate = validator.New()
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")

	// report config keys rather than struct field names
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	register := func(tag, text string) {
		validate.RegisterTranslation(tag, enTrans, func(ut ut.Translator) error {
			return ut.Add(tag, text, true)
		}, func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Namespace()[strings.Index(fe.Namespace(), ".")+1:], fe.Param())
			return t
		})
	}

	register("required", "{0} is a required field")
	register("url", "{0} must be a valid URL")
	register("hostname_port", "{0} must be a valid host:port address")
	register("gt", "{0} must be greater than {1}")
	register("gtefield", "{0} must not be less than {1}")
}
