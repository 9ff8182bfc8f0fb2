package scim

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-bexpr"
)

// Only single-attribute equality filters are supported, which is all the
// common provisioning clients (Azure AD, Okta) send when resolving resources
// by userName or displayName.
var equalityFilterRE = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9]*)\s+eq\s+"((?:[^"\\]|\\.)*)"\s*$`)

// filter matches resources against a SCIM equality filter expression.
type filter struct {
	attr string
	ev   *bexpr.Evaluator
}

// parseFilter compiles a `attr eq "value"` expression. userName comparisons
// are case-insensitive, mirroring the email join rule of the sync engine.
func parseFilter(expr string) (*filter, error) {
	m := equalityFilterRE.FindStringSubmatch(expr)
	if m == nil {
		return nil, fmt.Errorf("unsupported filter expression %q", expr)
	}
	attr := m[1]
	value, err := strconv.Unquote(`"` + m[2] + `"`)
	if err != nil {
		return nil, fmt.Errorf("unsupported filter expression %q", expr)
	}
	if strings.EqualFold(attr, "userName") {
		attr = "userName"
		value = strings.ToLower(value)
	}
	ev, err := bexpr.CreateEvaluator(fmt.Sprintf("%s == %q", attr, value))
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", expr, err)
	}
	return &filter{attr: attr, ev: ev}, nil
}

// matches evaluates the filter against a resource's flattened attributes.
func (f *filter) matches(fields map[string]string) bool {
	if f == nil {
		return true
	}
	ok, err := f.ev.Evaluate(fields)
	return err == nil && ok
}
