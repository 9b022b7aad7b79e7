package artifacts_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbtlens/dbtlens/pkg/analytics"
	"github.com/dbtlens/dbtlens/pkg/artifacts"
)

const runResultsJSON = `{
  "metadata": {
    "dbt_version": "1.8.2",
    "generated_at": "2024-03-14T06:10:00.000000Z",
    "invocation_id": "inv-1",
    "invocation_started_at": "2024-03-14T06:00:00Z"
  },
  "args": {"which": "build", "target": "prod"},
  "elapsed_time": 600.5,
  "results": [
    {
      "unique_id": "model.shop.orders",
      "status": "success",
      "execution_time": 12.5,
      "timing": [
        {"name": "compile", "started_at": "2024-03-14T06:00:01Z", "completed_at": "2024-03-14T06:00:02Z"},
        {"name": "execute", "started_at": "2024-03-14T06:00:02Z", "completed_at": "2024-03-14T06:00:14.5Z"}
      ],
      "message": "SELECT 10"
    },
    {
      "unique_id": "model.shop.customers",
      "status": "skipped",
      "execution_time": 0,
      "timing": [],
      "message": null
    },
    {
      "unique_id": "test.shop.not_null_orders_id.abc123",
      "status": "fail",
      "execution_time": 1.25,
      "timing": [
        {"name": "execute", "started_at": "2024-03-14 06:00:15", "completed_at": "2024-03-14 06:00:16.25"}
      ],
      "message": "Got 3 results, configured to fail if != 0"
    },
    {
      "unique_id": "test.shop.assert_positive_totals",
      "status": "skipped",
      "execution_time": 0,
      "timing": []
    },
    {
      "unique_id": "seed.shop.countries",
      "status": "success",
      "execution_time": 0.4,
      "timing": []
    }
  ]
}`

const manifestJSON = `{
  "nodes": {
    "model.shop.orders": {
      "unique_id": "model.shop.orders",
      "resource_type": "model",
      "name": "orders",
      "database": "analytics",
      "schema": "marts",
      "original_file_path": "models/marts/orders.sql",
      "description": "One row per order",
      "tags": ["daily"],
      "config": {"materialized": "table"}
    },
    "model.shop.customers": {
      "unique_id": "model.shop.customers",
      "resource_type": "model",
      "name": "customers",
      "schema": "marts",
      "config": {"materialized": "view"}
    },
    "test.shop.not_null_orders_id.abc123": {
      "unique_id": "test.shop.not_null_orders_id.abc123",
      "resource_type": "test",
      "name": "not_null_orders_id",
      "schema": "marts_dbt_test__audit",
      "config": {"severity": "ERROR"},
      "test_metadata": {"name": "not_null"},
      "attached_node": "model.shop.orders"
    },
    "test.shop.assert_positive_totals": {
      "unique_id": "test.shop.assert_positive_totals",
      "resource_type": "test",
      "name": "assert_positive_totals",
      "schema": "marts",
      "depends_on": {"nodes": ["seed.shop.countries", "model.shop.customers"]}
    },
    "seed.shop.countries": {
      "unique_id": "seed.shop.countries",
      "resource_type": "seed",
      "name": "countries"
    }
  }
}`

const rowCountsJSON = `[
  {"unique_id": "model.shop.orders", "name": "orders", "schema": "marts", "row_count": 1200},
  {"unique_id": "model.shop.customers", "schema": "marts", "row_count": 40, "observed_at": "2024-03-14T05:00:00Z"}
]`

var generatedAt = time.Date(2024, 3, 14, 6, 10, 0, 0, time.UTC)

func TestBuildBundle(t *testing.T) {
	b, err := artifacts.BuildBundle("inv-1", []byte(runResultsJSON), []byte(manifestJSON), []byte(rowCountsJSON))
	require.NoError(t, err)

	t.Run("invocation", func(t *testing.T) {
		inv := b.Invocation
		assert.Equal(t, "inv-1", inv.InvocationID)
		assert.Equal(t, "build", inv.Command)
		assert.Equal(t, "prod", inv.TargetName)
		assert.Equal(t, "1.8.2", inv.DBTVersion)
		assert.True(t, generatedAt.Equal(inv.CreatedAt))
		require.NotNil(t, inv.RunStartedAt)
		assert.True(t, time.Date(2024, 3, 14, 6, 0, 0, 0, time.UTC).Equal(*inv.RunStartedAt))
		require.NotNil(t, inv.RunCompletedAt)
		assert.True(t, generatedAt.Equal(*inv.RunCompletedAt))
	})

	t.Run("model runs", func(t *testing.T) {
		require.Len(t, b.Runs, 2)

		orders := b.Runs[0]
		assert.Equal(t, "model.shop.orders", orders.EntityID)
		assert.Equal(t, "orders", orders.Name)
		assert.Equal(t, "marts", orders.Schema)
		assert.Equal(t, analytics.StatusSuccess, orders.Status)
		assert.True(t, generatedAt.Equal(orders.ObservedAt))
		require.NotNil(t, orders.ExecutionTimeSeconds)
		assert.InDelta(t, 12.5, *orders.ExecutionTimeSeconds, 1e-9)
		require.True(t, orders.HasTiming())
		assert.InDelta(t, 12.5, orders.ExecuteCompletedAt.Sub(*orders.ExecuteStartedAt).Seconds(), 1e-9)
		assert.Equal(t, "SELECT 10", orders.Message)

		skipped := b.Runs[1]
		assert.Equal(t, analytics.StatusSkipped, skipped.Status)
		assert.Nil(t, skipped.ExecutionTimeSeconds)
		assert.False(t, skipped.HasTiming())
		assert.Empty(t, skipped.Message)
	})

	t.Run("test runs drop skipped", func(t *testing.T) {
		require.Len(t, b.Tests, 1)

		tr := b.Tests[0]
		assert.Equal(t, "not_null_orders_id", tr.Name)
		assert.Equal(t, "orders", tr.ModelName)
		assert.Equal(t, "not_null", tr.TestType)
		assert.Equal(t, analytics.StatusFail, tr.Status)
		require.True(t, tr.ExecuteStartedAt != nil && tr.ExecuteCompletedAt != nil)
		assert.InDelta(t, 1.25, tr.ExecuteCompletedAt.Sub(*tr.ExecuteStartedAt).Seconds(), 1e-9)
	})

	t.Run("catalog", func(t *testing.T) {
		require.Len(t, b.Models, 2)
		assert.Equal(t, "model.shop.customers", b.Models[0].UniqueID)
		assert.Equal(t, "table", b.Models[1].Materialized)
		assert.Equal(t, "models/marts/orders.sql", b.Models[1].FilePath)
		assert.Equal(t, []string{"daily"}, b.Models[1].Tags)

		require.Len(t, b.CatalogTests, 2)
		assert.Equal(t, "singular", b.CatalogTests[0].TestType)
		assert.Equal(t, "model.shop.customers", b.CatalogTests[0].ModelID)
		assert.Equal(t, "customers", b.CatalogTests[0].ModelName)
		assert.Equal(t, "orders", b.CatalogTests[1].ModelName)
		assert.Equal(t, "ERROR", b.CatalogTests[1].Severity)
	})

	t.Run("row counts", func(t *testing.T) {
		require.Len(t, b.RowCounts, 2)
		assert.True(t, generatedAt.Equal(b.RowCounts[0].ObservedAt))
		assert.Equal(t, int64(1200), b.RowCounts[0].RowCount)
		assert.Equal(t, "customers", b.RowCounts[1].Name)
		assert.True(t, time.Date(2024, 3, 14, 5, 0, 0, 0, time.UTC).Equal(b.RowCounts[1].ObservedAt))
	})
}

func TestBuildBundle_WithoutManifest(t *testing.T) {
	b, err := artifacts.BuildBundle("inv-1", []byte(runResultsJSON), nil, nil)
	require.NoError(t, err)

	assert.Empty(t, b.Models)
	assert.Empty(t, b.RowCounts)

	require.Len(t, b.Runs, 2)
	assert.Equal(t, "orders", b.Runs[0].Name)
	assert.Empty(t, b.Runs[0].Schema)

	require.Len(t, b.Tests, 1)
	assert.Equal(t, "not_null_orders_id", b.Tests[0].Name)
	assert.Equal(t, "singular", b.Tests[0].TestType)
	assert.Empty(t, b.Tests[0].ModelName)
}

func TestBuildBundle_Errors(t *testing.T) {
	tests := []struct {
		name       string
		dir        string
		runResults string
		manifest   string
		rowCounts  string
		wantErr    string
	}{
		{
			name:       "malformed run results",
			dir:        "inv-1",
			runResults: `{"metadata":`,
			wantErr:    "parsing run_results.json",
		},
		{
			name:       "missing generated_at",
			dir:        "inv-1",
			runResults: `{"metadata": {"invocation_id": "inv-1"}, "results": []}`,
			wantErr:    "generated_at is missing",
		},
		{
			name:       "bad timestamp",
			dir:        "inv-1",
			runResults: `{"metadata": {"generated_at": "yesterday"}, "results": []}`,
			wantErr:    "unrecognized timestamp",
		},
		{
			name:       "directory mismatch",
			dir:        "inv-2",
			runResults: runResultsJSON,
			wantErr:    "does not match directory",
		},
		{
			name:       "malformed manifest",
			dir:        "inv-1",
			runResults: runResultsJSON,
			manifest:   `[]`,
			wantErr:    "parsing manifest.json",
		},
		{
			name:       "negative row count",
			dir:        "inv-1",
			runResults: runResultsJSON,
			rowCounts:  `[{"unique_id": "model.shop.orders", "row_count": -1}]`,
			wantErr:    "negative row_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := artifacts.BuildBundle(tt.dir, []byte(tt.runResults), []byte(tt.manifest), []byte(tt.rowCounts))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBuildBundle_DirectoryNameFillsMissingID(t *testing.T) {
	rr := `{"metadata": {"generated_at": "2024-03-14T06:10:00Z"}, "elapsed_time": 30, "results": []}`

	b, err := artifacts.BuildBundle("inv-9", []byte(rr), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "inv-9", b.Invocation.InvocationID)
	require.NotNil(t, b.Invocation.RunStartedAt)
	assert.True(t, generatedAt.Add(-30*time.Second).Equal(*b.Invocation.RunStartedAt))
	assert.Empty(t, b.Runs)
	assert.Empty(t, b.Tests)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 14, 6, 0, 2, 500000000, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "2024-03-14T06:00:02.5Z", want: want},
		{in: "2024-03-14T06:00:02.500000", want: want},
		{in: "2024-03-14T08:00:02.5+02:00", want: want},
		{in: "2024-03-14 06:00:02.5", want: want},
		{in: "", want: time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ts, err := artifacts.ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(ts.Time), "got %s", ts.Time)
		})
	}
}
