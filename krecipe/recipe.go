// Package krecipe describes a dataflow graph in YAML and applies it as a
// migration.
//
// Columns are referenced by field name. A node's fields default to what its
// operator produces and can be renamed with an explicit fields list.
package krecipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/birdayz/kviews"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/kprocessor"
	"github.com/birdayz/kviews/krow"
	"gopkg.in/yaml.v3"
)

var ErrInvalidRecipe = errors.New("krecipe: invalid recipe")

type Recipe struct {
	RemoveViews  []string `yaml:"remove_views,omitempty"`
	RemoveTables []string `yaml:"remove_tables,omitempty"`
	Tables       []Table  `yaml:"tables,omitempty"`
	Nodes        []Node   `yaml:"nodes,omitempty"`
	Views        []View   `yaml:"views,omitempty"`
}

type Table struct {
	Name       string   `yaml:"name"`
	Fields     []string `yaml:"fields"`
	PrimaryKey []string `yaml:"primary_key,omitempty"`
}

// Node is an internal operator. Exactly one operator must be set.
type Node struct {
	Name   string   `yaml:"name"`
	Fields []string `yaml:"fields,omitempty"`

	Filter    *Filter    `yaml:"filter,omitempty"`
	Project   *Project   `yaml:"project,omitempty"`
	Join      *Join      `yaml:"join,omitempty"`
	Aggregate *Aggregate `yaml:"aggregate,omitempty"`
	TopK      *TopK      `yaml:"topk,omitempty"`
	Union     *Union     `yaml:"union,omitempty"`
}

type Filter struct {
	Parent string      `yaml:"parent"`
	Where  []Condition `yaml:"where"`
}

type Condition struct {
	Column string `yaml:"column"`
	Op     string `yaml:"op"`
	Value  any    `yaml:"value,omitempty"`
}

type Project struct {
	Parent   string   `yaml:"parent"`
	Columns  []string `yaml:"columns"`
	Literals []any    `yaml:"literals,omitempty"`
}

type Join struct {
	Left  string   `yaml:"left"`
	Right string   `yaml:"right"`
	On    []JoinOn `yaml:"on"`
	// Emit lists output columns as "left.<field>" or "right.<field>".
	Emit []string `yaml:"emit"`
}

type JoinOn struct {
	Left  string `yaml:"left"`
	Right string `yaml:"right"`
}

type Aggregate struct {
	Parent string   `yaml:"parent"`
	Group  []string `yaml:"group"`
	Func   string   `yaml:"func"`
	Over   string   `yaml:"over,omitempty"`
}

type TopK struct {
	Parent     string   `yaml:"parent"`
	Group      []string `yaml:"group,omitempty"`
	OrderBy    string   `yaml:"order_by"`
	Descending bool     `yaml:"descending,omitempty"`
	K          int      `yaml:"k"`
}

type Union struct {
	Parents []string `yaml:"parents"`
}

type View struct {
	Name string   `yaml:"name"`
	Node string   `yaml:"node"`
	Key  []string `yaml:"key"`
}

// Parse decodes a recipe. Unknown keys are rejected.
func Parse(r io.Reader) (*Recipe, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var rec Recipe
	if err := dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return &rec, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
	}
	return &rec, nil
}

// Load parses the recipe at path.
func Load(path string) (*Recipe, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(b))
}

// Marshal encodes the recipe as YAML.
func (r *Recipe) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}

// Apply adds the recipe to m. Removals run first, then tables, nodes in
// order, and views.
func (r *Recipe) Apply(m *kviews.Migration) error {
	for _, name := range r.RemoveViews {
		if err := m.RemoveQuery(name); err != nil {
			return fmt.Errorf("remove view %s: %w", name, err)
		}
	}
	for _, name := range r.RemoveTables {
		if err := m.RemoveBase(name); err != nil {
			return fmt.Errorf("remove table %s: %w", name, err)
		}
	}
	for _, t := range r.Tables {
		pk, err := columns(t.Fields, t.PrimaryKey)
		if err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		var opts []kviews.BaseOption
		if len(pk) > 0 {
			opts = append(opts, kviews.PrimaryKey(pk...))
		}
		if _, err := m.AddBase(t.Name, t.Fields, opts...); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
	}
	for _, n := range r.Nodes {
		if err := addNode(m, n); err != nil {
			return fmt.Errorf("node %s: %w", n.Name, err)
		}
	}
	for _, v := range r.Views {
		parent, fields, err := lookup(m, v.Node)
		if err != nil {
			return fmt.Errorf("view %s: %w", v.Name, err)
		}
		key, err := columns(fields, v.Key)
		if err != nil {
			return fmt.Errorf("view %s: %w", v.Name, err)
		}
		if _, err := m.Maintain(v.Name, parent, key...); err != nil {
			return fmt.Errorf("view %s: %w", v.Name, err)
		}
	}
	return nil
}

func addNode(m *kviews.Migration, n Node) error {
	set := 0
	for _, ok := range []bool{n.Filter != nil, n.Project != nil, n.Join != nil, n.Aggregate != nil, n.TopK != nil, n.Union != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one operator required, got %d", ErrInvalidRecipe, set)
	}

	var (
		op     kprocessor.Operator
		fields []string
		err    error
	)
	switch {
	case n.Filter != nil:
		op, fields, err = n.Filter.build(m)
	case n.Project != nil:
		op, fields, err = n.Project.build(m)
	case n.Join != nil:
		op, fields, err = n.Join.build(m)
	case n.Aggregate != nil:
		op, fields, err = n.Aggregate.build(m)
	case n.TopK != nil:
		op, fields, err = n.TopK.build(m)
	case n.Union != nil:
		op, fields, err = n.Union.build(m)
	}
	if err != nil {
		return err
	}
	if len(n.Fields) > 0 {
		fields = n.Fields
	}
	_, err = m.AddNode(n.Name, fields, op)
	return err
}

func (f *Filter) build(m *kviews.Migration) (kprocessor.Operator, []string, error) {
	parent, fields, err := lookup(m, f.Parent)
	if err != nil {
		return nil, nil, err
	}
	op := &kprocessor.Filter{Parent: parent}
	for _, c := range f.Where {
		col, err := column(fields, c.Column)
		if err != nil {
			return nil, nil, err
		}
		cmp, err := kprocessor.ParseCmpOp(c.Op)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
		}
		val, err := krow.FromAny(c.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
		}
		op.Conditions = append(op.Conditions, kprocessor.Condition{Col: col, Op: cmp, Value: val})
	}
	return op, fields, nil
}

func (p *Project) build(m *kviews.Migration) (kprocessor.Operator, []string, error) {
	parent, fields, err := lookup(m, p.Parent)
	if err != nil {
		return nil, nil, err
	}
	cols, err := columns(fields, p.Columns)
	if err != nil {
		return nil, nil, err
	}
	op := &kprocessor.Project{Parent: parent, Columns: cols}
	out := append([]string(nil), p.Columns...)
	for i, lit := range p.Literals {
		val, err := krow.FromAny(lit)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
		}
		op.Literals = append(op.Literals, val)
		out = append(out, fmt.Sprintf("literal%d", i))
	}
	return op, out, nil
}

func (j *Join) build(m *kviews.Migration) (kprocessor.Operator, []string, error) {
	left, leftFields, err := lookup(m, j.Left)
	if err != nil {
		return nil, nil, err
	}
	right, rightFields, err := lookup(m, j.Right)
	if err != nil {
		return nil, nil, err
	}
	op := &kprocessor.Join{Left: left, Right: right}
	for _, on := range j.On {
		l, err := column(leftFields, on.Left)
		if err != nil {
			return nil, nil, err
		}
		r, err := column(rightFields, on.Right)
		if err != nil {
			return nil, nil, err
		}
		op.On = append(op.On, kprocessor.JoinOn{Left: l, Right: r})
	}
	var out []string
	for _, e := range j.Emit {
		side, name, ok := strings.Cut(e, ".")
		if !ok {
			return nil, nil, fmt.Errorf("%w: join column %q needs a left. or right. prefix", ErrInvalidRecipe, e)
		}
		var jc kprocessor.JoinColumn
		switch side {
		case "left":
			jc.Side = kprocessor.Left
			jc.Col, err = column(leftFields, name)
		case "right":
			jc.Side = kprocessor.Right
			jc.Col, err = column(rightFields, name)
		default:
			err = fmt.Errorf("%w: unknown join side %q", ErrInvalidRecipe, side)
		}
		if err != nil {
			return nil, nil, err
		}
		op.Emit = append(op.Emit, jc)
		out = append(out, name)
	}
	return op, out, nil
}

func (a *Aggregate) build(m *kviews.Migration) (kprocessor.Operator, []string, error) {
	parent, fields, err := lookup(m, a.Parent)
	if err != nil {
		return nil, nil, err
	}
	group, err := columns(fields, a.Group)
	if err != nil {
		return nil, nil, err
	}
	fn, err := kprocessor.ParseAggFunc(a.Func)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
	}
	op := &kprocessor.Aggregate{Parent: parent, Group: group, Func: fn}
	if fn == kprocessor.Sum {
		if op.Over, err = column(fields, a.Over); err != nil {
			return nil, nil, err
		}
	}
	out := append(append([]string(nil), a.Group...), fn.String())
	return op, out, nil
}

func (k *TopK) build(m *kviews.Migration) (kprocessor.Operator, []string, error) {
	parent, fields, err := lookup(m, k.Parent)
	if err != nil {
		return nil, nil, err
	}
	group, err := columns(fields, k.Group)
	if err != nil {
		return nil, nil, err
	}
	orderBy, err := column(fields, k.OrderBy)
	if err != nil {
		return nil, nil, err
	}
	if k.K <= 0 {
		return nil, nil, fmt.Errorf("%w: k must be positive", ErrInvalidRecipe)
	}
	return &kprocessor.TopK{
		Parent:     parent,
		Group:      group,
		OrderBy:    orderBy,
		Descending: k.Descending,
		K:          k.K,
	}, fields, nil
}

func (u *Union) build(m *kviews.Migration) (kprocessor.Operator, []string, error) {
	if len(u.Parents) == 0 {
		return nil, nil, fmt.Errorf("%w: union without parents", ErrInvalidRecipe)
	}
	op := &kprocessor.Union{}
	var out []string
	for i, name := range u.Parents {
		parent, fields, err := lookup(m, name)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			out = fields
		}
		op.Parents = append(op.Parents, parent)
	}
	return op, out, nil
}

func lookup(m *kviews.Migration, name string) (kdag.NodeIndex, []string, error) {
	idx, ok := m.Node(name)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", kdag.ErrNodeNotFound, name)
	}
	fields, _ := m.Fields(idx)
	return idx, fields, nil
}

func column(fields []string, name string) (int, error) {
	for i, f := range fields {
		if f == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown column %q in %v", ErrInvalidRecipe, name, fields)
}

func columns(fields, names []string) ([]int, error) {
	out := make([]int, 0, len(names))
	for _, n := range names {
		c, err := column(fields, n)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
