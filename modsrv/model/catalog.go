// Package model holds the product/instance model: class-level product
// templates with inheritance, and runtime instances binding product point
// names to concrete channel points.
package model

import (
	"fmt"
	"sort"
)

// Product is a class-level template. Parents contribute inherited points and
// property defaults.
type Product struct {
	Name         string
	Parent       string
	Measurements []string
	Actions      []string
	Properties   map[string]any // property name -> default value
}

// Catalog is the resolved product library: inheritance flattened, parent
// cycles rejected.
type Catalog struct {
	products map[string]*Product
	version  string
}

// BuildCatalog flattens inheritance. A product's effective point set is its
// own plus every ancestor's; child property defaults shadow parents.
func BuildCatalog(products []Product, version string) (*Catalog, error) {
	byName := make(map[string]*Product, len(products))
	for i := range products {
		p := products[i]
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("model: duplicate product %q", p.Name)
		}
		byName[p.Name] = &p
	}

	resolved := make(map[string]*Product, len(byName))
	var resolve func(name string, chain map[string]bool) (*Product, error)
	resolve = func(name string, chain map[string]bool) (*Product, error) {
		if r, ok := resolved[name]; ok {
			return r, nil
		}
		if chain[name] {
			return nil, fmt.Errorf("model: product inheritance cycle through %q", name)
		}
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("model: unknown parent product %q", name)
		}

		out := &Product{
			Name:       p.Name,
			Parent:     p.Parent,
			Properties: make(map[string]any),
		}
		if p.Parent != "" {
			chain[name] = true
			parent, err := resolve(p.Parent, chain)
			delete(chain, name)
			if err != nil {
				return nil, err
			}
			out.Measurements = append(out.Measurements, parent.Measurements...)
			out.Actions = append(out.Actions, parent.Actions...)
			for k, v := range parent.Properties {
				out.Properties[k] = v
			}
		}
		out.Measurements = appendUnique(out.Measurements, p.Measurements)
		out.Actions = appendUnique(out.Actions, p.Actions)
		for k, v := range p.Properties {
			out.Properties[k] = v
		}
		resolved[name] = out
		return out, nil
	}

	for name := range byName {
		if _, err := resolve(name, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return &Catalog{products: resolved, version: version}, nil
}

func appendUnique(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range src {
		if !seen[s] {
			dst = append(dst, s)
			seen[s] = true
		}
	}
	return dst
}

// Get returns the resolved product.
func (c *Catalog) Get(name string) (*Product, bool) {
	p, ok := c.products[name]
	return p, ok
}

// Names returns the product names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.products))
	for n := range c.products {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Version returns the library version marker.
func (c *Catalog) Version() string { return c.version }
