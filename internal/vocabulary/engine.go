// Package vocabulary rewrites dictated text with deterministic
// substitutions loaded from a YAML file.
package vocabulary

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultIterationLimit bounds how many passes Apply makes over the rules.
const DefaultIterationLimit = 30

// ErrNotConverged is returned when the rules keep rewriting text past the
// iteration limit.
var ErrNotConverged = errors.New("vocabulary substitutions did not converge")

// Substitution is one entry of the vocabulary file. Exactly one of Match
// (literal text) or Pattern (regular expression) must be set.
type Substitution struct {
	Match         string `yaml:"match"`
	Pattern       string `yaml:"pattern"`
	Replace       string `yaml:"replace"`
	Global        bool   `yaml:"global"`
	CaseSensitive bool   `yaml:"case_sensitive"`
}

// File is the on-disk vocabulary document.
type File struct {
	IterationLimit int            `yaml:"iteration_limit"`
	Substitutions  []Substitution `yaml:"substitutions"`
}

type compiledRule interface {
	Apply(input string) (output string, changed bool)
}

// Engine applies substitutions until the text stops changing.
type Engine struct {
	rules     []compiledRule
	loopLimit int
}

// Load reads the vocabulary at path. A blank path or a missing file yields
// an engine with no rules. A positive loopLimit overrides the file's limit.
func Load(path string, loopLimit int) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return New(nil, loopLimit)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(nil, loopLimit)
		}
		return nil, fmt.Errorf("failed to read vocabulary file %q: %w", path, err)
	}

	engine, err := Parse(contents, loopLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary file %q: %w", path, err)
	}
	return engine, nil
}

// Parse compiles a YAML vocabulary document.
func Parse(contents []byte, loopLimit int) (*Engine, error) {
	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if loopLimit <= 0 {
		loopLimit = file.IterationLimit
	}
	return New(file.Substitutions, loopLimit)
}

// New compiles substitutions in order.
func New(substitutions []Substitution, loopLimit int) (*Engine, error) {
	if loopLimit <= 0 {
		loopLimit = DefaultIterationLimit
	}

	rules := make([]compiledRule, 0, len(substitutions))
	for index, sub := range substitutions {
		rule, err := compile(sub)
		if err != nil {
			return nil, fmt.Errorf("substitution %d: %w", index+1, err)
		}
		rules = append(rules, rule)
	}
	return &Engine{rules: rules, loopLimit: loopLimit}, nil
}

// Len is the number of compiled rules.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Apply transforms text deterministically.
func (e *Engine) Apply(text string) (string, error) {
	if len(e.rules) == 0 {
		return text, nil
	}

	result := text
	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, rule := range e.rules {
			next, ruleChanged := rule.Apply(result)
			if ruleChanged {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}

	return result, fmt.Errorf("%w after %d passes", ErrNotConverged, e.loopLimit)
}

func compile(sub Substitution) (compiledRule, error) {
	hasMatch := strings.TrimSpace(sub.Match) != ""
	hasPattern := sub.Pattern != ""
	switch {
	case hasMatch && hasPattern:
		return nil, errors.New("set either match or pattern, not both")
	case hasMatch:
		return compileLiteral(sub)
	case hasPattern:
		return compilePattern(sub)
	default:
		return nil, errors.New("match or pattern is required")
	}
}

type literalRule struct {
	replacement string
	re          *regexp.Regexp
}

func compileLiteral(sub Substitution) (compiledRule, error) {
	expr := regexp.QuoteMeta(strings.TrimSpace(sub.Match))
	if !sub.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid literal match: %w", err)
	}
	return literalRule{replacement: sub.Replace, re: re}, nil
}

func (r literalRule) Apply(input string) (string, bool) {
	output := r.re.ReplaceAllLiteralString(input, r.replacement)
	return output, output != input
}

type patternRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func compilePattern(sub Substitution) (compiledRule, error) {
	expr := sub.Pattern
	if !sub.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return patternRule{re: re, replacement: sub.Replace, global: sub.Global}, nil
}

func (r patternRule) Apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}

	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}

	replaced := r.re.ExpandString(nil, r.replacement, input, loc)
	output := input[:loc[0]] + string(replaced) + input[loc[1]:]
	return output, output != input
}
