package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/padron-mx/riesgo-cli/internal/model"
)

func TestNewGroupIndex(t *testing.T) {
	aliases := []model.VendorAlias{
		{VendorID: 1, GroupID: 100},
		{VendorID: 2, GroupID: 100},
		{VendorID: 3, GroupID: 100},
		{VendorID: 7, GroupID: 200},
		{VendorID: 8, GroupID: 200},
	}

	gi := newGroupIndex(aliases)

	assert.Equal(t, int64(100), gi.vendorGroup[2])
	assert.Equal(t, int64(200), gi.vendorGroup[8])
	assert.Equal(t, 3, gi.memberCount[100])
	assert.Equal(t, 2, gi.memberCount[200])
}

func TestGroupIndexAttach(t *testing.T) {
	gi := newGroupIndex([]model.VendorAlias{
		{VendorID: 1, GroupID: 100},
		{VendorID: 2, GroupID: 100},
	})

	contracts := []model.ContractRecord{
		{ID: 10, VendorID: 1},
		{ID: 11, VendorID: 2},
		{ID: 12, VendorID: 99}, // singleton, no alias row
	}
	gi.attach(contracts)

	assert.Equal(t, int64(100), contracts[0].GroupID)
	assert.Equal(t, int64(100), contracts[1].GroupID)
	assert.Equal(t, int64(0), contracts[2].GroupID, "unresolved vendors stay their own entity")
}

func TestGroupIndexAttach_Empty(t *testing.T) {
	gi := newGroupIndex(nil)

	contracts := []model.ContractRecord{{ID: 10, VendorID: 1}}
	gi.attach(contracts)

	assert.Equal(t, int64(0), contracts[0].GroupID)
}
