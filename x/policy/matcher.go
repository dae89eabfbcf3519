package policy

import (
	"context"
	"net"
	"regexp"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/totegamma/clearance/core"
)

// Matches reports whether one matcher applies to the request.
// Every present field must hold; a nil matcher matches everything.
func (s *service) Matches(ctx context.Context, matcher *core.Matcher, rctx core.RequestContext) (bool, error) {
	ctx, span := tracer.Start(ctx, "Policy.Service.Matches")
	defer span.End()

	if matcher == nil {
		return true, nil
	}

	if matcher.ClientPattern != "" {
		ok, err := s.patternMatch(matcher.ClientPattern, rctx.ClientID)
		if err != nil {
			span.RecordError(err)
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if len(matcher.RequiredRoles) > 0 && !hasAnyRole(rctx.Roles, matcher.RequiredRoles) {
		return false, nil
	}

	if matcher.UserResourceType != "" && resourceTypeOf(rctx.Subject) != matcher.UserResourceType {
		return false, nil
	}

	if len(matcher.ResourceTypes) > 0 {
		if !slices.Contains(matcher.ResourceTypes, "*") && !slices.Contains(matcher.ResourceTypes, rctx.ResourceType) {
			return false, nil
		}
	}

	if len(matcher.Operations) > 0 {
		matched := false
		for _, pattern := range matcher.Operations {
			if isWildcardMatch(pattern, rctx.Operation) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	if matcher.Compartment != nil {
		member, err := inCompartment(matcher.Compartment, rctx)
		if err != nil {
			span.RecordError(err)
			return false, err
		}
		if !member {
			return false, nil
		}
	}

	if matcher.PathPattern != "" && !isWildcardMatch(matcher.PathPattern, rctx.RequestPath) {
		return false, nil
	}

	if matcher.SourceCIDR != "" {
		ok, err := cidrMatch(matcher.SourceCIDR, rctx.SourceIP)
		if err != nil {
			span.RecordError(err)
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// patternMatch handles the client id pattern forms: exact, prefix x*,
// suffix *x, bare wildcard, and re: regular expressions.
func (s *service) patternMatch(pattern string, value string) (bool, error) {
	if pattern == "*" {
		return true, nil
	}

	if strings.HasPrefix(pattern, "re:") {
		re, err := s.compiled(strings.TrimPrefix(pattern, "re:"))
		if err != nil {
			return false, core.NewErrorConfiguration("pattern does not compile: " + err.Error())
		}
		return re.MatchString(value), nil
	}

	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(value, pattern[1:]), nil
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1]), nil
	}

	return pattern == value, nil
}

func (s *service) compiled(pattern string) (*regexp.Regexp, error) {
	if cached, ok := s.patterns.Get(pattern); ok {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re, nil
		}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	s.patterns.Set(pattern, re, 1)

	return re, nil
}

// isWildcardMatch matches value against a pattern whose only
// metacharacter is *, spanning any run of characters
func isWildcardMatch(pattern string, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	split := strings.Split(pattern, "*")
	for i := range split {
		split[i] = regexp.QuoteMeta(split[i])
	}
	anchored := "^" + strings.Join(split, ".*") + "$"
	match, err := regexp.MatchString(anchored, value)
	if err != nil {
		return false
	}
	return match
}

func hasAnyRole(held []string, wanted []string) bool {
	for _, role := range wanted {
		if slices.Contains(held, role) {
			return true
		}
	}
	return false
}

// resourceTypeOf extracts the type prefix of a reference like Patient/p-100
func resourceTypeOf(reference string) string {
	kind, _, found := strings.Cut(reference, "/")
	if !found {
		return ""
	}
	return kind
}

// inCompartment resolves the compartment anchor from the ordered sources and
// checks that the request target belongs to it. The first source that yields
// a reference wins; when none does the matcher does not match.
func inCompartment(spec *core.CompartmentSpec, rctx core.RequestContext) (bool, error) {
	anchor := ""
	for _, source := range spec.Sources {
		resolved, err := resolveSource(source, rctx)
		if err != nil {
			return false, err
		}
		if resolved != "" {
			anchor = resolved
			break
		}
	}

	if anchor == "" {
		return false, nil
	}

	if spec.Type != "" && resourceTypeOf(anchor) != spec.Type {
		return false, nil
	}

	// the anchor is always inside its own compartment
	if rctx.ResourceType+"/"+rctx.ResourceID == anchor {
		return true, nil
	}

	// otherwise the target resource must point back at the anchor
	for _, path := range []string{"subject.reference", "patient.reference"} {
		reference, ok := core.ResolveDotNotation(rctx.Resource, path)
		if ok && reference == anchor {
			return true, nil
		}
	}

	return false, nil
}

func resolveSource(source core.CompartmentSource, rctx core.RequestContext) (string, error) {
	switch source.Kind {
	case core.SourceLaunchContext:
		switch source.Value {
		case "patient":
			return rctx.Patient, nil
		case "encounter":
			return rctx.Encounter, nil
		}
		return "", core.NewErrorConfiguration("unknown launch context field " + source.Value)

	case core.SourceFixed:
		return source.Value, nil

	case core.SourceRequestParam:
		value, _ := core.ResolveDotNotation(rctx.RequestBody, source.Value)
		str, _ := value.(string)
		return str, nil

	case core.SourceUserResource:
		if rctx.FHIRUser != "" {
			return rctx.FHIRUser, nil
		}
		return rctx.Subject, nil
	}

	return "", core.NewErrorConfiguration("unknown compartment source " + source.Kind)
}

func cidrMatch(cidr string, ip string) (bool, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, core.NewErrorConfiguration("source cidr does not parse: " + err.Error())
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return false, nil
	}

	return network.Contains(addr), nil
}
