package ruleset

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"
)

type Regex struct {
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
}

type Injection struct {
	Position string `yaml:"position,omitempty"`
	Append   string `yaml:"append,omitempty"`
	Prepend  string `yaml:"prepend,omitempty"`
	Replace  string `yaml:"replace,omitempty"`
}

type Headers struct {
	UserAgent     string `yaml:"user-agent,omitempty"`
	XForwardedFor string `yaml:"x-forwarded-for,omitempty"`
	Referer       string `yaml:"referer,omitempty"`
	Cookie        string `yaml:"cookie,omitempty"`
}

// Rule customizes how pages of one or more domains are fetched and
// post-processed. A header value of "none" suppresses that header.
type Rule struct {
	Domain     string      `yaml:"domain,omitempty"`
	Domains    []string    `yaml:"domains,omitempty"`
	Paths      []string    `yaml:"paths,omitempty"`
	Headers    Headers     `yaml:"headers,omitempty"`
	RegexRules []Regex     `yaml:"regexRules,omitempty"`
	Injections []Injection `yaml:"injections,omitempty"`
}

type RuleSet []Rule

// Load reads every .yml/.yaml file below each of the ';' separated paths.
// An empty rulePaths yields an empty RuleSet.
func Load(rulePaths string) (RuleSet, error) {
	var ruleSet RuleSet
	var errs []error

	for _, rulePath := range strings.Split(rulePaths, ";") {
		trimmedPath := strings.TrimSpace(rulePath)
		if trimmedPath == "" {
			continue
		}

		var rules RuleSet
		err := filepath.WalkDir(trimmedPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !(strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")) {
				return nil
			}
			yamlFile, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read rules file '%s': %w", path, err)
			}
			r, err := Parse(yamlFile)
			if err != nil {
				return fmt.Errorf("syntax error in rules file '%s': %w", path, err)
			}
			rules = append(rules, r...)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load rules from '%s': %w", trimmedPath, err))
			continue
		}
		ruleSet = append(ruleSet, rules...)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ruleSet, nil
}

// Parse decodes a YAML list of rules and checks that their regular
// expressions compile.
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	for _, rule := range rs {
		for _, rr := range rule.RegexRules {
			if _, err := regexp.Compile(rr.Match); err != nil {
				return nil, fmt.Errorf("invalid regexRule %q: %w", rr.Match, err)
			}
		}
	}
	return rs, nil
}

// Match returns the first rule whose domain list covers domain (exactly or as
// a parent domain) and whose path prefixes, if any, cover path. The zero Rule
// is returned when nothing matches.
func (rs RuleSet) Match(domain, path string) Rule {
	for _, rule := range rs {
		for _, ruleDomain := range rule.domains() {
			if ruleDomain != domain && !strings.HasSuffix(domain, "."+ruleDomain) {
				continue
			}
			if len(rule.Paths) > 0 && !hasAnyPrefix(path, rule.Paths) {
				continue
			}
			return rule
		}
	}
	return Rule{}
}

func (rs RuleSet) Domains() []string {
	var domains []string
	for _, rule := range rs {
		domains = append(domains, rule.domains()...)
	}
	return domains
}

func (rs RuleSet) DomainCount() int {
	return len(rs.Domains())
}

func (rs RuleSet) Count() int {
	return len(rs)
}

func (r Rule) domains() []string {
	domains := make([]string, 0, len(r.Domains)+1)
	if r.Domain != "" {
		domains = append(domains, r.Domain)
	}
	return append(domains, r.Domains...)
}

// HasTransforms reports whether Apply would change anything.
func (r Rule) HasTransforms() bool {
	return len(r.RegexRules) > 0 || len(r.Injections) > 0
}

// Apply runs the rule's regex replacements and then its HTML injections
// over body.
func (r Rule) Apply(body []byte) ([]byte, error) {
	for _, rr := range r.RegexRules {
		re, err := regexp.Compile(rr.Match)
		if err != nil {
			return nil, fmt.Errorf("invalid regexRule %q: %w", rr.Match, err)
		}
		body = re.ReplaceAll(body, []byte(rr.Replace))
	}
	if len(r.Injections) == 0 {
		return body, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not parse HTML for injection: %w", err)
	}
	for _, injection := range r.Injections {
		sel := doc.Find(injection.Position)
		if injection.Replace != "" {
			sel.ReplaceWithHtml(injection.Replace)
		}
		if injection.Append != "" {
			sel.AppendHtml(injection.Append)
		}
		if injection.Prepend != "" {
			sel.PrependHtml(injection.Prepend)
		}
	}
	html, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("could not render HTML after injection: %w", err)
	}
	return []byte(html), nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
