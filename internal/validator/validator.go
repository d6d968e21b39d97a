// Package validator wraps go-playground/validator with English translations
// so configuration errors read as sentences instead of tag soup.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	govalidator "github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate *govalidator.Validate
	trans    ut.Translator
)

// Setup builds the shared validator instance. Call once during startup,
// before any Struct call.
func Setup() {
	validate = govalidator.New()

	// Use YAML tag names in error messages so they match the config file.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	enLocale := en.New()
	uni := ut.New(enLocale, enLocale)
	trans, _ = uni.GetTranslator("en")
	en_translations.RegisterDefaultTranslations(validate, trans)
}

// Struct validates v and returns a single error carrying every translated
// field failure, or nil.
func Struct(v interface{}) error {
	if validate == nil {
		Setup()
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var ve govalidator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}

	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fe.Translate(trans))
	}
	sort.Strings(msgs)
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
