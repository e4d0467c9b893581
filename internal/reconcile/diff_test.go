package reconcile

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Diff Tests
// ============================================================================

func TestDiff_Scenario(t *testing.T) {
	newRows := []Row{{"id": 1, "v": 5}, {"id": 2, "v": 9}}
	oldRows := []Row{{"id": 1, "v": 5}, {"id": 3, "v": 1}}

	plan, err := Diff(newRows, oldRows, DiffOptions{Key: "id"})
	require.NoError(t, err)

	assert.Equal(t, []Row{{"id": 2, "v": 9}}, plan.ToInsert)
	assert.Empty(t, plan.ToUpdate)
	assert.Equal(t, []Row{{"id": 3, "v": 1}}, plan.ToDeleteOrMark)
	assert.Equal(t, []Row{{"id": 1, "v": 5}}, plan.Unchanged)
	assert.Empty(t, plan.Skipped)
	assert.Empty(t, plan.ChangedColumns)
	assert.Equal(t, 2, plan.InputCount)
	assert.Equal(t, 2, plan.ExistingCount)
}

func TestDiff_DoesNotModifyInput(t *testing.T) {
	newRows := []Row{{"id": 1, "status": "down"}}
	oldRows := []Row{{"id": 1, "status": "up", "status_prior": nil}}

	plan, err := Diff(newRows, oldRows, DiffOptions{Key: "id", PreservePrior: []string{"status"}})
	require.NoError(t, err)
	require.Len(t, plan.ToUpdate, 1)

	assert.Equal(t, "up", plan.ToUpdate[0].New["status_prior"])
	assert.NotContains(t, newRows[0], "status_prior")
}

func TestDiff_FuzzyNumeric(t *testing.T) {
	oldRows := []Row{{"id": 1, "v": 10}}
	newRows := []Row{{"id": 1, "v": "10"}}

	t.Run("enabled", func(t *testing.T) {
		plan, err := Diff(newRows, oldRows, DiffOptions{Key: "id", FuzzyNumeric: true})
		require.NoError(t, err)
		assert.NotContains(t, plan.ChangedColumns, "v")
		assert.Len(t, plan.Unchanged, 1)
		assert.Empty(t, plan.ToUpdate)
	})

	t.Run("disabled", func(t *testing.T) {
		plan, err := Diff(newRows, oldRows, DiffOptions{Key: "id"})
		require.NoError(t, err)
		assert.Contains(t, plan.ChangedColumns, "v")
		assert.Len(t, plan.ToUpdate, 1)
	})
}

func TestFieldChanged(t *testing.T) {
	tests := []struct {
		name    string
		newV    any
		oldV    any
		fuzzy   bool
		changed bool
	}{
		{"replace null", 1, nil, true, true},
		{"both null", nil, nil, false, false},
		{"clear value", nil, 5, true, true},
		{"equal ints", 5, 5, false, false},
		{"int widths", int64(5), int32(5), false, false},
		{"int vs integral float", 5, 5.0, false, false},
		{"bytes vs string", "x", []byte("x"), false, false},
		{"string vs int strict", "10", 10, false, true},
		{"string vs int fuzzy", "10", 10, true, false},
		{"padded string vs int fuzzy", " 10 ", 10, true, false},
		{"string vs float fuzzy", "1.5", 1.5, true, false},
		{"float vs string fuzzy", 10.0, "10", true, false},
		{"int vs string fuzzy", 7, "7", true, false},
		{"fraction vs int fuzzy", 10.5, 10, true, true},
		{"garbage vs int fuzzy", "abc", 10, true, true},
		{"different strings", "a", "b", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.changed, fieldChanged(tt.newV, tt.oldV, tt.fuzzy))
		})
	}
}

func TestDiff_TrackedColumns(t *testing.T) {
	newRows := []Row{{"id": 1, "a": 1, "b": 2}}
	oldRows := []Row{{"id": 1, "a": 1, "b": 3}}

	plan, err := Diff(newRows, oldRows, DiffOptions{Key: "id", Tracked: []string{"a"}})
	require.NoError(t, err)
	assert.Len(t, plan.Unchanged, 1)

	plan, err = Diff(newRows, oldRows, DiffOptions{Key: "id", Schema: []string{"id", "a"}})
	require.NoError(t, err)
	assert.Len(t, plan.Unchanged, 1)

	plan, err = Diff(newRows, oldRows, DiffOptions{Key: "id"})
	require.NoError(t, err)
	require.Len(t, plan.ToUpdate, 1)
	assert.Equal(t, []string{"b"}, plan.ChangedColumns)
}

func TestDiff_ColumnOnlyInNewRowIsIgnored(t *testing.T) {
	newRows := []Row{{"id": 1, "a": 1, "extra": "x"}}
	oldRows := []Row{{"id": 1, "a": 1}}

	plan, err := Diff(newRows, oldRows, DiffOptions{Key: "id"})
	require.NoError(t, err)
	assert.Len(t, plan.Unchanged, 1)
}

func TestDiff_Skip(t *testing.T) {
	newRows := []Row{{"id": 1, "v": 1}, {"id": 2, "v": 2}, {"id": 4, "v": 4}}
	oldRows := []Row{{"id": 2, "v": 0}, {"id": 3, "v": 3}}

	plan, err := Diff(newRows, oldRows, DiffOptions{
		Key:  "id",
		Skip: func(r Row) bool { return r["id"] == 2 || r["id"] == 4 },
	})
	require.NoError(t, err)

	assert.Len(t, plan.Skipped, 2)
	assert.Equal(t, []Row{{"id": 1, "v": 1}}, plan.ToInsert)
	assert.Empty(t, plan.ToUpdate)
	// 被略過的 id 2 不算 missing
	assert.Equal(t, []Row{{"id": 3, "v": 3}}, plan.ToDeleteOrMark)
}

func TestDiff_KeyCanonicalisation(t *testing.T) {
	newRows := []Row{{"id": "1", "v": 5}, {"id": 2.0, "v": 6}}
	oldRows := []Row{{"id": int64(1), "v": 5}, {"id": 2, "v": 6}}

	plan, err := Diff(newRows, oldRows, DiffOptions{Key: "id"})
	require.NoError(t, err)
	assert.Len(t, plan.Unchanged, 2)
	assert.Empty(t, plan.ToInsert)
	assert.Empty(t, plan.ToDeleteOrMark)
}

func TestKeyString(t *testing.T) {
	for _, v := range []any{10, int64(10), 10.0, float32(10), "10", []byte("10")} {
		assert.Equal(t, "10", KeyString(v), "%T", v)
	}
	assert.Equal(t, "1.5", KeyString(1.5))
}

func TestDiff_PartitionTotality(t *testing.T) {
	for n := 0; n < 12; n++ {
		for m := 0; m < 12; m++ {
			t.Run(fmt.Sprintf("new=%d,old=%d", n, m), func(t *testing.T) {
				// new 的 key 為 0..n-1，old 的 key 為 n/2..n/2+m-1；每第三個值不同，每第五個被略過
				newRows := make([]Row, 0, n)
				for i := 0; i < n; i++ {
					newRows = append(newRows, Row{"id": i, "v": i})
				}
				oldRows := make([]Row, 0, m)
				newKeys := make(map[int]bool)
				for i := 0; i < n; i++ {
					newKeys[i] = true
				}
				matched := 0
				for j := 0; j < m; j++ {
					id := n/2 + j
					v := id
					if id%3 == 0 {
						v = -1
					}
					oldRows = append(oldRows, Row{"id": id, "v": v})
					if newKeys[id] {
						matched++
					}
				}

				plan, err := Diff(newRows, oldRows, DiffOptions{
					Key:  "id",
					Skip: func(r Row) bool { return r["id"].(int)%5 == 4 },
				})
				require.NoError(t, err)

				assert.Equal(t, n, len(plan.ToInsert)+len(plan.ToUpdate)+len(plan.Unchanged)+len(plan.Skipped))
				assert.Equal(t, m, len(plan.ToDeleteOrMark)+matched)

				seen := make(map[string]bool)
				for _, group := range [][]Row{plan.ToInsert, plan.Unchanged, plan.Skipped} {
					for _, row := range group {
						k := KeyString(row["id"])
						assert.False(t, seen[k], "key %s in two partitions", k)
						seen[k] = true
					}
				}
				for _, pair := range plan.ToUpdate {
					k := KeyString(pair.New["id"])
					assert.False(t, seen[k], "key %s in two partitions", k)
					seen[k] = true
				}
				for _, row := range plan.ToDeleteOrMark {
					k := KeyString(row["id"])
					assert.False(t, seen[k], "key %s in two partitions", k)
					seen[k] = true
				}
			})
		}
	}
}

func TestDiff_PreservePrior(t *testing.T) {
	schema := []string{"id", "status", "status_prior"}

	t.Run("changed row gets prior value", func(t *testing.T) {
		plan, err := Diff(
			[]Row{{"id": 1, "status": "down"}},
			[]Row{{"id": 1, "status": "up", "status_prior": nil}},
			DiffOptions{Key: "id", Schema: schema, PreservePrior: []string{"status"}},
		)
		require.NoError(t, err)
		require.Len(t, plan.ToUpdate, 1)
		assert.Equal(t, "up", plan.ToUpdate[0].New["status_prior"])
		assert.Equal(t, []string{"status", "status_prior"}, plan.ChangedColumns)
	})

	t.Run("unchanged row is left alone", func(t *testing.T) {
		plan, err := Diff(
			[]Row{{"id": 1, "status": "up"}},
			[]Row{{"id": 1, "status": "up", "status_prior": "down"}},
			DiffOptions{Key: "id", Schema: schema, PreservePrior: []string{"status"}},
		)
		require.NoError(t, err)
		assert.Len(t, plan.Unchanged, 1)
		assert.NotContains(t, plan.Unchanged[0], "status_prior")
	})

	t.Run("no paired column in schema", func(t *testing.T) {
		plan, err := Diff(
			[]Row{{"id": 1, "status": "down"}},
			[]Row{{"id": 1, "status": "up"}},
			DiffOptions{Key: "id", Schema: []string{"id", "status"}, PreservePrior: []string{"status"}},
		)
		require.NoError(t, err)
		require.Len(t, plan.ToUpdate, 1)
		assert.NotContains(t, plan.ToUpdate[0].New, "status_prior")
		assert.Equal(t, []string{"status"}, plan.ChangedColumns)
	})

	t.Run("caller supplied value wins", func(t *testing.T) {
		plan, err := Diff(
			[]Row{{"id": 1, "status": "down", "status_prior": "custom"}},
			[]Row{{"id": 1, "status": "up", "status_prior": "custom"}},
			DiffOptions{Key: "id", Schema: schema, PreservePrior: []string{"status"}},
		)
		require.NoError(t, err)
		require.Len(t, plan.ToUpdate, 1)
		assert.Equal(t, "custom", plan.ToUpdate[0].New["status_prior"])
		assert.Equal(t, []string{"status"}, plan.ChangedColumns)
	})

	t.Run("custom suffix", func(t *testing.T) {
		plan, err := Diff(
			[]Row{{"id": 1, "status": "down"}},
			[]Row{{"id": 1, "status": "up", "status_last": "up"}},
			DiffOptions{Key: "id", PreservePrior: []string{"status"}, PriorSuffix: "_last"},
		)
		require.NoError(t, err)
		require.Len(t, plan.ToUpdate, 1)
		assert.Equal(t, "up", plan.ToUpdate[0].New["status_last"])
		// status_last 的值沒有變，不列入變更欄位
		assert.Equal(t, []string{"status"}, plan.ChangedColumns)
	})
}

func TestPriorColumns(t *testing.T) {
	assert.Equal(t, []string{"status"}, PriorColumns([]string{"id", "status", "status_prior", "name"}, ""))
	assert.Equal(t, []string{"a", "b"}, PriorColumns([]string{"a", "a_last", "b", "b_last"}, "_last"))
	assert.Empty(t, PriorColumns([]string{"id"}, ""))
}

func TestDiff_Errors(t *testing.T) {
	tests := []struct {
		name    string
		newRows []Row
		oldRows []Row
		key     string
		want    error
	}{
		{"no key", []Row{{"id": 1}}, nil, "", ErrInvalidInput},
		{"key missing in new", []Row{{"name": "a"}}, nil, "id", ErrMissingKey},
		{"nil key in new", []Row{{"id": nil}}, nil, "id", ErrMissingKey},
		{"key missing in old", nil, []Row{{"name": "a"}}, "id", ErrMissingKey},
		{"duplicate in new", []Row{{"id": 1}, {"id": "1"}}, nil, "id", ErrDuplicateKey},
		{"duplicate in old", nil, []Row{{"id": 1}, {"id": 1}}, "id", ErrDuplicateKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Diff(tt.newRows, tt.oldRows, DiffOptions{Key: tt.key})
			assert.Nil(t, plan)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}
}
