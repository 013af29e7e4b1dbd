// Package rules loads declarative DOM rewrites from YAML files and turns them
// into filters for the HTML pipeline.
//
// A rules file holds a list of rules:
//
//	- name: banner
//	  selector: body
//	  prepend: <div class="banner">proxied</div>
//	- selector: script[src*="tracker"]
//	  remove: true
//	- selector: a[target]
//	  set_attr:
//	    rel: noopener
package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"

	"htmlproxy-go/internal/filter"
)

var (
	ErrNoSelector = errors.New("rules: selector is required")
	ErrNoAction   = errors.New("rules: at least one action is required")
)

// Rule rewrites every element matched by Selector. Actions run in the order
// replace, remove, prepend, append, set_attr, remove_attr.
type Rule struct {
	Name       string            `yaml:"name,omitempty"`
	Selector   string            `yaml:"selector"`
	Append     string            `yaml:"append,omitempty"`
	Prepend    string            `yaml:"prepend,omitempty"`
	Replace    string            `yaml:"replace,omitempty"`
	Remove     bool              `yaml:"remove,omitempty"`
	SetAttr    map[string]string `yaml:"set_attr,omitempty"`
	RemoveAttr []string          `yaml:"remove_attr,omitempty"`
}

// Validate checks that the rule has a usable selector and something to do.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Selector) == "" {
		return ErrNoSelector
	}
	if _, err := cascadia.Compile(r.Selector); err != nil {
		return fmt.Errorf("rules: selector %q: %w", r.Selector, err)
	}
	if r.Append == "" && r.Prepend == "" && r.Replace == "" && !r.Remove &&
		len(r.SetAttr) == 0 && len(r.RemoveAttr) == 0 {
		return ErrNoAction
	}
	return nil
}

// Filter returns the rule as a DOM filter.
func (r Rule) Filter() filter.Filter {
	return func(doc *goquery.Document) {
		sel := doc.Find(r.Selector)
		if sel.Length() == 0 {
			return
		}
		if r.Replace != "" {
			sel.ReplaceWithHtml(r.Replace)
			return
		}
		if r.Remove {
			sel.Remove()
			return
		}
		if r.Prepend != "" {
			sel.PrependHtml(r.Prepend)
		}
		if r.Append != "" {
			sel.AppendHtml(r.Append)
		}
		for _, k := range slices.Sorted(maps.Keys(r.SetAttr)) {
			sel.SetAttr(k, r.SetAttr[k])
		}
		for _, k := range r.RemoveAttr {
			sel.RemoveAttr(k)
		}
	}
}

func (r Rule) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Selector
}

// Load reads rules from path. path may name a YAML file, a directory walked
// for *.yml and *.yaml files in lexical order, or several of those separated
// by ";". An empty path yields no rules.
func Load(path string) ([]Rule, error) {
	var all []Rule
	for _, p := range strings.Split(path, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		err := filepath.WalkDir(p, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isYAML(file) {
				return nil
			}
			rules, err := loadFile(file)
			if err != nil {
				return err
			}
			all = append(all, rules...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load rules from %s: %w", p, err)
		}
	}
	return all, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yml" || ext == ".yaml"
}

func loadFile(file string) ([]Rule, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", file, err)
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%s: rule %d (%s): %w", file, i+1, r.label(), err)
		}
	}
	return rules, nil
}

// Register adds the filters of rules to reg, preserving their order.
func Register(reg *filter.Registry, rules []Rule) error {
	for _, r := range rules {
		if err := reg.Register(r.Filter()); err != nil {
			return fmt.Errorf("register rule %s: %w", r.label(), err)
		}
	}
	return nil
}
