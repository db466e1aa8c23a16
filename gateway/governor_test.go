// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/platform/shared/types"
)

func testGovernor(maxRowLimit int) *Governor {
	return NewGovernor(nil, "client_id", maxRowLimit, 5000)
}

func TestGovern_StandardRewrite(t *testing.T) {
	g := testGovernor(1000)

	res := g.Govern("SELECT a,b FROM upload_table_A WHERE client_id='T1'", "T1", types.ModeAudit)
	require.True(t, res.Allowed)
	assert.Equal(t,
		"SELECT TOP 1000 a,b FROM upload_table_A WHERE client_id='T1' OPTION (QUERY_GOVERNOR_COST_LIMIT 5)",
		res.Query)
	assert.Len(t, res.Warnings, 2)
}

func TestGovern_Idempotent(t *testing.T) {
	g := testGovernor(1000)

	queries := []string{
		"SELECT a,b FROM upload_table_A WHERE client_id='T1'",
		"SELECT * FROM upload_table_B",
		"SELECT a FROM upload_table_A WHERE b = 1 ORDER BY a",
	}
	for _, sql := range queries {
		once := g.Govern(sql, "T1", types.ModeAudit)
		require.True(t, once.Allowed)
		twice := g.Govern(once.Query, "T1", types.ModeAudit)
		require.True(t, twice.Allowed)
		assert.Equal(t, once.Query, twice.Query, "governing twice changed %q", sql)
		assert.Empty(t, twice.Warnings)
	}
}

func TestGovern_TenantFilterInjection(t *testing.T) {
	g := testGovernor(1000)

	t.Run("wraps existing where clause", func(t *testing.T) {
		res := g.Govern("SELECT TOP 10 a FROM upload_table_A WHERE b = 1 ORDER BY a", "T1", types.ModeAudit)
		assert.Contains(t, res.Query, "WHERE client_id = 'T1' AND (b = 1) ORDER BY a")
	})

	t.Run("adds where before order by", func(t *testing.T) {
		res := g.Govern("SELECT TOP 10 a FROM upload_table_A ORDER BY a", "T1", types.ModeAudit)
		assert.Contains(t, res.Query, "upload_table_A WHERE client_id = 'T1' ORDER BY a")
	})

	t.Run("appends where when no trailing clause", func(t *testing.T) {
		res := g.Govern("SELECT TOP 10 a FROM upload_table_A", "T1", types.ModeAudit)
		assert.Contains(t, res.Query, "upload_table_A WHERE client_id = 'T1'")
	})

	t.Run("doubles single quotes in the tenant id", func(t *testing.T) {
		res := g.Govern("SELECT TOP 10 a FROM upload_table_A", "O'Brien", types.ModeAudit)
		assert.Contains(t, res.Query, "client_id = 'O''Brien'")
	})

	t.Run("lending mode never injects", func(t *testing.T) {
		res := g.Govern("SELECT TOP 10 a FROM upload_table_A", "T1", types.ModeLending)
		assert.NotContains(t, res.Query, "client_id")
	})
}

func TestGovern_RowCapPerMode(t *testing.T) {
	g := testGovernor(5000)

	audit := g.Govern("SELECT a FROM upload_table_A WHERE client_id='T1'", "T1", types.ModeAudit)
	assert.Contains(t, audit.Query, "TOP 1000")

	lending := g.Govern("SELECT a FROM upload_table_A", "T1", types.ModeLending)
	assert.Contains(t, lending.Query, "TOP 100")
}

func TestGovern_PolicyCapWins(t *testing.T) {
	g := testGovernor(200)
	res := g.Govern("SELECT a FROM upload_table_A WHERE client_id='T1'", "T1", types.ModeAudit)
	assert.Contains(t, res.Query, "TOP 200")
}

func TestGovern_KeepsDistinctInFront(t *testing.T) {
	g := testGovernor(1000)
	res := g.Govern("SELECT DISTINCT a FROM upload_table_A WHERE client_id='T1'", "T1", types.ModeAudit)
	assert.Contains(t, res.Query, "SELECT DISTINCT TOP 1000 a")
}

func TestGovernAdaptive_Caps(t *testing.T) {
	g := testGovernor(5000)
	sql := "SELECT a FROM upload_table_A WHERE client_id='T1'"

	tests := []struct {
		level LoadLevel
		want  string
	}{
		{LoadLow, "TOP 1000"},
		{LoadMedium, "TOP 500"},
		{LoadHigh, "TOP 100"},
		{LoadCritical, "TOP 10"},
	}
	for _, tt := range tests {
		res := g.GovernAdaptive(sql, "T1", types.ModeAudit, tt.level)
		require.True(t, res.Allowed, "level %s", tt.level)
		assert.Contains(t, res.Query, tt.want, "level %s", tt.level)
	}
}

func TestGovernAdaptive_RejectsExpensiveUnderHighLoad(t *testing.T) {
	g := testGovernor(5000)
	sql := "SELECT TOP 10 a FROM upload_table_A u JOIN b ON u.i=b.i JOIN c ON b.j=c.j JOIN d ON c.k=d.k WHERE client_id='T1'"

	res := g.GovernAdaptive(sql, "T1", types.ModeAudit, LoadHigh)
	assert.False(t, res.Allowed)
	assert.NotEmpty(t, res.Errors)

	// The same query passes under low load.
	res = g.GovernAdaptive(sql, "T1", types.ModeAudit, LoadLow)
	assert.True(t, res.Allowed)
}

func TestGovernEmergency_OverridesExistingClauses(t *testing.T) {
	g := testGovernor(5000)

	res := g.GovernEmergency("SELECT TOP 5000 a FROM upload_table_A WHERE client_id='T1' OPTION (QUERY_GOVERNOR_COST_LIMIT 30)")
	assert.Contains(t, res.Query, "TOP 10")
	assert.NotContains(t, res.Query, "TOP 5000")
	assert.Contains(t, res.Query, "QUERY_GOVERNOR_COST_LIMIT 5)")
	assert.NotContains(t, res.Query, "COST_LIMIT 30")
}

func TestGovernEmergency_Idempotent(t *testing.T) {
	g := testGovernor(5000)

	once := g.GovernEmergency("SELECT a FROM upload_table_A WHERE client_id='T1'")
	twice := g.GovernEmergency(once.Query)
	assert.Equal(t, once.Query, twice.Query)
	assert.Empty(t, twice.Warnings)
}
