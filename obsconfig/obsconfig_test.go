// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package obsconfig

import (
	"strings"
	"testing"

	"github.com/grailbio/base/config"
	"github.com/grailbio/obspool/recidx"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestProfile(t *testing.T) {
	p := config.New()
	err := p.Parse(strings.NewReader(`
param obspool (
	ranks = 7
	max-pool-size = 3
	output = "/tmp/obs"
	sort-variable = "air_temperature"
	sort-order = "descending"
	missing-sort-value-treatment = "ignore missing"
	missing-placement = "last"
	extended-levels = 2
	extended-fill-variables = "latitude, longitude"
	write-multiple-files = true
)
`))
	assert.NoError(t, err)
	var c *Config
	assert.NoError(t, p.Instance("obspool", &c))
	expect.EQ(t, c.Ranks, 7)
	expect.Nil(t, c.System)
	opts := c.Options
	expect.EQ(t, opts.Output, "/tmp/obs")
	expect.EQ(t, opts.Pool.MaxPoolSize, 3)
	expect.True(t, opts.Pool.WriteMultipleFiles)
	expect.EQ(t, opts.Index, recidx.Params{
		SortVariable:              "air_temperature",
		SortOrder:                 recidx.Descending,
		MissingSortValueTreatment: recidx.IgnoreMissing,
		MissingPlacement:          recidx.Last,
	})
	expect.EQ(t, opts.Extend.Levels, 2)
	expect.EQ(t, opts.Extend.FillVariables, []string{"latitude", "longitude"})
}

func TestInvalidProfile(t *testing.T) {
	for _, profile := range []string{
		`param obspool ( sort-order = "sideways" )`,
		`param obspool ( ranks = 0 )`,
		`param obspool ( writer-strategy = "nonexistent" )`,
	} {
		p := config.New()
		assert.NoError(t, p.Parse(strings.NewReader(profile)))
		var c *Config
		expect.NotNil(t, p.Instance("obspool", &c), "profile %s", profile)
	}
}
