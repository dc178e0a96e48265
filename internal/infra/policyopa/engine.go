package policyopa

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"keypaird/internal/domain"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
)

const defaultQuery = "data.keypaird.authz.allow"

//go:embed policy/authz.rego
var defaultPolicy string

type AuthzError struct {
	Code string
	Err  error
}

func (e *AuthzError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code
}

func (e *AuthzError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Authorizer answers role/permission questions with a rego policy.
type Authorizer struct {
	query  rego.PreparedEvalQuery
	source string
}

// NewAuthorizer compiles the policy at policyPath, or the built-in policy
// when policyPath is empty.
func NewAuthorizer(ctx context.Context, policyPath string) (*Authorizer, error) {
	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	opts := []func(*rego.Rego){
		rego.Query(defaultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
	}
	source := "builtin"
	if strings.TrimSpace(policyPath) != "" {
		opts = append(opts, rego.Load([]string{policyPath}, nil))
		source = policyPath
	} else {
		opts = append(opts, rego.Module("authz.rego", defaultPolicy))
	}
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile authz policy: %w", err)
	}
	if err := assertNoForbiddenBuiltins(compiler); err != nil {
		return nil, err
	}
	return &Authorizer{query: prepared, source: source}, nil
}

func (a *Authorizer) Source() string {
	return a.source
}

func (a *Authorizer) Require(ctx context.Context, principal domain.Principal, permission string) error {
	if principal.Subject == "" {
		return domain.ErrUnauthorized
	}
	if permission == "" {
		return nil
	}
	input := map[string]any{
		"subject":    principal.Subject,
		"role":       string(principal.Role),
		"permission": permission,
	}
	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return &AuthzError{Code: "POLICY_ERROR", Err: fmt.Errorf("%w: %v", domain.ErrForbidden, err)}
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return &AuthzError{Code: "POLICY_UNDEFINED", Err: domain.ErrForbidden}
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok || !allowed {
		return &AuthzError{Code: "MISSING_PERMISSION", Err: domain.ErrForbidden}
	}
	return nil
}

func assertNoForbiddenBuiltins(compiler *ast.Compiler) error {
	if compiler == nil {
		return errors.New("policy compiler is nil")
	}
	forbidden := make(map[string]struct{})
	for _, module := range compiler.Modules {
		ast.WalkTerms(module, func(term *ast.Term) bool {
			call, ok := term.Value.(ast.Call)
			if !ok || len(call) == 0 || call[0] == nil {
				return false
			}
			name := call[0].Value.String()
			if _, ok := ast.BuiltinMap[name]; !ok {
				return false
			}
			if _, ok := allowedBuiltins[name]; ok {
				return false
			}
			forbidden[name] = struct{}{}
			return false
		})
	}
	if len(forbidden) == 0 {
		return nil
	}
	names := make([]string, 0, len(forbidden))
	for name := range forbidden {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("forbidden builtins: %s", strings.Join(names, ", "))
}
