package engine

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/getreqmod/reqmod/pkg/rule"
)

// conditionsMatch applies every condition with AND semantics. An empty
// list passes trivially.
func conditionsMatch(req *Request, conditions []rule.Condition) bool {
	for i := range conditions {
		if !conditionMatch(req, &conditions[i]) {
			return false
		}
	}
	return true
}

func conditionMatch(req *Request, c *rule.Condition) bool {
	switch c.Type {
	case rule.ConditionMethod:
		return compare(req.Method, c.Operator, c.Value, true)
	case rule.ConditionResourceType:
		return compare(req.ResourceType, c.Operator, c.Value, true)
	case rule.ConditionHeader:
		v, ok := lookupFold(req.Headers, c.Key)
		return ok && compare(v, c.Operator, c.Value, false)
	case rule.ConditionQuery:
		v, ok := req.Query[c.Key]
		return ok && compare(v, c.Operator, c.Value, false)
	case rule.ConditionJSONPath:
		v, ok := jsonPathValue(req.Body, c.Key)
		return ok && compare(v, c.Operator, c.Value, false)
	case rule.ConditionExpr:
		return exprMatch(req, c.Value)
	default:
		return false
	}
}

// compare applies an operator. Method and resource type comparisons
// fold case on equals.
func compare(actual string, op rule.Operator, expected string, fold bool) bool {
	switch op {
	case rule.OpEquals:
		if fold {
			return strings.EqualFold(actual, expected)
		}
		return actual == expected
	case rule.OpContains:
		return strings.Contains(actual, expected)
	case rule.OpRegex:
		re, err := compileConditionRegex(expected)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	default:
		return false
	}
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// jsonPathValue extracts the first value the JSONPath expression yields
// from the request body, rendered as a string for comparison.
func jsonPathValue(body, path string) (string, bool) {
	if body == "" {
		return "", false
	}
	x, err := parseJSONPath(path)
	if err != nil {
		return "", false
	}
	doc, err := oj.ParseString(body)
	if err != nil {
		return "", false
	}
	results := x.Get(doc)
	if len(results) == 0 {
		return "", false
	}
	return stringify(results[0]), true
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return "null"
	default:
		return oj.JSON(x)
	}
}

var (
	regexCache    sync.Map // source -> *regexp.Regexp
	jsonPathCache sync.Map // source -> jp.Expr
	exprCache     sync.Map // source -> *vm.Program
)

func compileConditionRegex(src string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(src); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, err
	}
	regexCache.Store(src, re)
	return re, nil
}

func parseJSONPath(src string) (jp.Expr, error) {
	if cached, ok := jsonPathCache.Load(src); ok {
		return cached.(jp.Expr), nil
	}
	x, err := jp.ParseString(src)
	if err != nil {
		return nil, err
	}
	jsonPathCache.Store(src, x)
	return x, nil
}

// exprMatch evaluates a compiled boolean expression over the request
// descriptor. Compilation and evaluation failures do not match.
func exprMatch(req *Request, src string) bool {
	program, err := compileExpr(src)
	if err != nil {
		return false
	}
	out, err := expr.Run(program, exprEnv(req))
	if err != nil {
		return false
	}
	ok, isBool := out.(bool)
	return isBool && ok
}

func compileExpr(src string) (*vm.Program, error) {
	if cached, ok := exprCache.Load(src); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	exprCache.Store(src, program)
	return program, nil
}

func exprEnv(req *Request) map[string]any {
	headers := make(map[string]any, len(req.Headers))
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = v
	}
	query := make(map[string]any, len(req.Query))
	for k, v := range req.Query {
		query[k] = v
	}
	return map[string]any{
		"url":          req.URL,
		"method":       req.Method,
		"headers":      headers,
		"query":        query,
		"body":         req.Body,
		"resourceType": req.ResourceType,
		"tabId":        req.TabID,
	}
}
