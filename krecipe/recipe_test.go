package krecipe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/kviews"
	"github.com/birdayz/kviews/kdag"
	"github.com/birdayz/kviews/krow"
)

const shop = `
tables:
  - name: users
    fields: [id, name]
    primary_key: [id]
  - name: orders
    fields: [id, user_id, amount]
nodes:
  - name: big_orders
    filter:
      parent: orders
      where:
        - {column: amount, op: ">", value: 10}
  - name: orders_users
    join:
      left: big_orders
      right: users
      on: [{left: user_id, right: id}]
      emit: [left.id, right.name, left.amount]
  - name: spend
    aggregate:
      parent: orders_users
      group: [name]
      func: sum
      over: amount
  - name: largest
    topk:
      parent: orders
      group: [user_id]
      order_by: amount
      descending: true
      k: 1
views:
  - name: spend_by_name
    node: spend
    key: [name]
  - name: largest_by_user
    node: largest
    key: [user_id]
`

func start(t *testing.T) *kviews.Controller {
	t.Helper()
	c, err := kviews.New(
		kviews.WithPartial(false),
		kviews.WithTickInterval(5*time.Millisecond),
		kviews.WithReadTimeout(5*time.Second),
	)
	assert.NoError(t, err)
	assert.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, c.Close()) })
	return c
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	rec, err := Parse(strings.NewReader(shop))
	assert.NoError(t, err)

	c := start(t)
	v, err := c.Migrate(ctx, rec.Apply)
	assert.NoError(t, err)
	assert.Equal(t, kdag.Version(1), v)

	assert.Equal(t, map[string][]string{
		"users":  {"id", "name"},
		"orders": {"id", "user_id", "amount"},
	}, c.Inputs())
	assert.Equal(t, map[string][]string{
		"spend_by_name":   {"name", "sum"},
		"largest_by_user": {"id", "user_id", "amount"},
	}, c.Outputs())

	assert.NoError(t, c.Insert(ctx, "users", krow.MustRow(1, "ada"), krow.MustRow(2, "bob")))
	assert.NoError(t, c.Insert(ctx, "orders",
		krow.MustRow(10, 1, 5),
		krow.MustRow(11, 1, 20),
		krow.MustRow(12, 1, 30),
		krow.MustRow(13, 2, 40),
	))
	assert.NoError(t, c.Sync(ctx))

	rows, err := c.Read(ctx, "spend_by_name", krow.MustRow("ada"))
	assert.NoError(t, err)
	assert.Equal(t, krow.Rows{krow.MustRow("ada", 50)}, rows)

	rows, err = c.Read(ctx, "largest_by_user", krow.MustRow(1))
	assert.NoError(t, err)
	assert.Equal(t, krow.Rows{krow.MustRow(12, 1, 30)}, rows)

	t.Run("removal recipe", func(t *testing.T) {
		rm, err := Parse(strings.NewReader("remove_views: [largest_by_user]\n"))
		assert.NoError(t, err)
		_, err = c.Migrate(ctx, rm.Apply)
		assert.NoError(t, err)
		_, ok := c.Outputs()["largest_by_user"]
		assert.False(t, ok)
	})
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{name: "empty", in: ""},
		{name: "unknown key", in: "tabels: []\n", want: ErrInvalidRecipe},
		{name: "bad yaml", in: "tables: [\n", want: ErrInvalidRecipe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.in))
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.IsError(t, err, tt.want)
		})
	}
}

func TestApplyErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		in   string
		want error
	}{
		{
			name: "two operators",
			in: `
tables: [{name: t, fields: [a]}]
nodes:
  - name: n
    filter: {parent: t, where: []}
    union: {parents: [t]}
`,
			want: ErrInvalidRecipe,
		},
		{
			name: "unknown column",
			in: `
tables: [{name: t, fields: [a]}]
views: [{name: v, node: t, key: [b]}]
`,
			want: ErrInvalidRecipe,
		},
		{
			name: "unknown parent",
			in: `
nodes:
  - name: n
    filter: {parent: missing, where: []}
`,
			want: kdag.ErrNodeNotFound,
		},
		{
			name: "bad join column",
			in: `
tables: [{name: a, fields: [x]}, {name: b, fields: [y]}]
nodes:
  - name: j
    join: {left: a, right: b, on: [{left: x, right: y}], emit: [x]}
`,
			want: ErrInvalidRecipe,
		},
		{
			name: "bad aggregate",
			in: `
tables: [{name: t, fields: [a]}]
nodes:
  - name: n
    aggregate: {parent: t, group: [a], func: avg}
`,
			want: ErrInvalidRecipe,
		},
	}
	c := start(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(strings.NewReader(tt.in))
			assert.NoError(t, err)
			_, err = c.Migrate(ctx, rec.Apply)
			assert.IsError(t, err, tt.want)
			assert.Equal(t, kdag.Version(0), c.Version())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(shop), 0o644))
	rec, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(rec.Tables))
	assert.Equal(t, "sum", rec.Nodes[2].Aggregate.Func)

	out, err := rec.Marshal()
	assert.NoError(t, err)
	again, err := Parse(strings.NewReader(string(out)))
	assert.NoError(t, err)
	assert.Equal(t, rec, again)
}
