package api

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

// hostnameSlugRE matches a DNS-label-safe service hostname: lowercase
// letters, digits and hyphens, not starting or ending with a hyphen.
var hostnameSlugRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// domainNameRE is a pragmatic FQDN matcher: labels of lowercase letters/
// digits/hyphens separated by dots, at least one dot, ending in a label of
// two or more lowercase letters.
var domainNameRE = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

// secretKeyRE matches an env-var-style identifier.
var secretKeyRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func validateHostnameSlug(fl validator.FieldLevel) bool {
	return hostnameSlugRE.MatchString(fl.Field().String())
}

func validateDomainName(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	if v == "" {
		return true
	}
	return domainNameRE.MatchString(v)
}

func validateSecretKey(fl validator.FieldLevel) bool {
	return secretKeyRE.MatchString(fl.Field().String())
}
