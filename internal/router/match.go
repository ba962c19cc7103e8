package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	routex "github.com/routexhq/routex/internal"
)

// condition is the union of all rule condition payloads. Each rule type
// reads the fields it needs.
type condition struct {
	Model   string `json:"model,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Name    string `json:"name,omitempty"`
	Value   string `json:"value,omitempty"`
	User    string `json:"user,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

// regexCache keeps compiled rule patterns. Patterns are few and stable, so
// the map is never evicted.
var regexCache sync.Map // pattern string -> *regexp.Regexp

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Matches evaluates one rule's condition against the request.
func Matches(rule *routex.RoutingRule, req Request) (bool, error) {
	var c condition
	if err := json.Unmarshal(rule.Condition, &c); err != nil {
		return false, fmt.Errorf("rule %q: parse condition: %w", rule.Name, err)
	}

	switch rule.Type {
	case routex.RuleModelExact:
		return req.Model == c.Model, nil
	case routex.RuleModelPrefix:
		return c.Prefix != "" && strings.HasPrefix(req.Model, c.Prefix), nil
	case routex.RuleModelRegex:
		re, err := compile(c.Pattern)
		if err != nil {
			return false, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		return re.MatchString(req.Model), nil
	case routex.RulePathPrefix:
		return c.Prefix != "" && strings.HasPrefix(req.Path, c.Prefix), nil
	case routex.RuleHeader:
		if c.Name == "" || req.Header == nil {
			return false, nil
		}
		got := req.Header.Get(c.Name)
		if c.Value == "" {
			return got != "", nil
		}
		return got == c.Value, nil
	case routex.RuleUser:
		return c.User != "" && req.User == c.User, nil
	case routex.RuleTag:
		return c.Tag != "" && slices.Contains(req.Tags, c.Tag), nil
	}
	return false, fmt.Errorf("rule %q: unknown type %q", rule.Name, rule.Type)
}

// ValidateRule checks a rule before the admin API accepts it: the type
// must be known, the condition must parse, and regex patterns must compile.
func ValidateRule(rule *routex.RoutingRule) error {
	var c condition
	if err := json.Unmarshal(rule.Condition, &c); err != nil {
		return fmt.Errorf("%w: condition: %v", routex.ErrBadRequest, err)
	}
	switch rule.Type {
	case routex.RuleModelExact:
		if c.Model == "" {
			return fmt.Errorf("%w: model_exact requires condition.model", routex.ErrBadRequest)
		}
	case routex.RuleModelPrefix, routex.RulePathPrefix:
		if c.Prefix == "" {
			return fmt.Errorf("%w: %s requires condition.prefix", routex.ErrBadRequest, rule.Type)
		}
	case routex.RuleModelRegex:
		if _, err := compile(c.Pattern); err != nil {
			return fmt.Errorf("%w: pattern: %v", routex.ErrBadRequest, err)
		}
	case routex.RuleHeader:
		if c.Name == "" {
			return fmt.Errorf("%w: header requires condition.name", routex.ErrBadRequest)
		}
	case routex.RuleUser:
		if c.User == "" {
			return fmt.Errorf("%w: user requires condition.user", routex.ErrBadRequest)
		}
	case routex.RuleTag:
		if c.Tag == "" {
			return fmt.Errorf("%w: tag requires condition.tag", routex.ErrBadRequest)
		}
	default:
		return fmt.Errorf("%w: unknown rule type %q", routex.ErrBadRequest, rule.Type)
	}
	if rule.TargetChannel == "" {
		return fmt.Errorf("%w: target_channel is required", routex.ErrBadRequest)
	}
	return nil
}
