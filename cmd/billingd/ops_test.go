package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/idempotency"
	"github.com/dmitrymomot/billingkit/pkg/plans"
)

func TestPrintPlans(t *testing.T) {
	t.Parallel()

	catalog, err := plans.Load(plans.Config{PriceIDs: map[string]string{"starter": "price_starter"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printPlans(&buf, catalog))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, len(catalog.Plans())+1)
	assert.True(t, strings.HasPrefix(lines[0], "TIER"))

	var starter string
	for _, l := range lines {
		if strings.HasPrefix(l, "starter") {
			starter = l
		}
	}
	assert.Contains(t, starter, "$97/mo")
	assert.Contains(t, starter, "price_starter")
	assert.Contains(t, starter, "dedicated_phone_number")
	assert.Contains(t, lines[1], "(30/day)")
}

func TestPlansCommand_JSON(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"plans", "--json"})
	require.NoError(t, cmd.Execute())

	var views []planView
	require.NoError(t, json.Unmarshal(out.Bytes(), &views))
	require.NotEmpty(t, views)
	assert.Equal(t, plans.TierTrial, views[0].Tier)
	assert.Equal(t, "0.00", views[0].MonthlyPrice)
	assert.Equal(t, int64(50), views[0].Limits[plans.MetricLeads])
}

func TestNewLedger(t *testing.T) {
	t.Parallel()

	l, err := newLedger(idempotency.Config{Backend: "pg"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &idempotency.PgLedger{}, l)

	l, err = newLedger(idempotency.Config{Backend: "auto"}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &idempotency.PgLedger{}, l)

	_, err = newLedger(idempotency.Config{Backend: "redis"}, nil, nil)
	assert.Error(t, err)

	_, err = newLedger(idempotency.Config{Backend: "dynamo"}, nil, nil)
	assert.Error(t, err)
}
