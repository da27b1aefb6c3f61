package description

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestCompareTopologyVersions(t *testing.T) {
	processA := bson.NewObjectID()
	processB := bson.NewObjectID()

	checkOne := func(x, y *TopologyVersion, expected int) {
		t.Helper()
		assert.Equal(t, expected, CompareTopologyVersions(x, y), "compare %s to %s", x, y)
	}

	checkOne(NewTopologyVersion(processA, 5), NewTopologyVersion(processA, 4), +1)
	checkOne(NewTopologyVersion(processA, 4), NewTopologyVersion(processA, 5), -1)
	checkOne(NewTopologyVersion(processA, 4), NewTopologyVersion(processA, 4), 0)

	// a different process is always considered newer than the one being tested
	checkOne(NewTopologyVersion(processA, 9), NewTopologyVersion(processB, 1), -1)
	checkOne(NewTopologyVersion(processB, 1), NewTopologyVersion(processA, 9), -1)

	checkOne(nil, NewTopologyVersion(processA, 1), -1)
	checkOne(NewTopologyVersion(processA, 1), nil, -1)
	checkOne(nil, nil, -1)
}

func TestTopologyVersionFreshness(t *testing.T) {
	processA := bson.NewObjectID()
	processB := bson.NewObjectID()

	t.Run("SameProcess", func(t *testing.T) {
		newer := NewTopologyVersion(processA, 5)
		older := NewTopologyVersion(processA, 4)

		assert.True(t, newer.IsFresherThan(older))
		assert.True(t, newer.IsFresherThanOrEqualTo(older))
		assert.False(t, newer.IsStalerThan(older))
		assert.False(t, older.IsFresherThan(newer))
		assert.True(t, older.IsStalerThan(newer))
		assert.True(t, older.IsStalerThanOrEqualTo(newer))

		same := NewTopologyVersion(processA, 5)
		assert.False(t, newer.IsFresherThan(same))
		assert.True(t, newer.IsFresherThanOrEqualTo(same))
		assert.True(t, newer.IsStalerThanOrEqualTo(same))
	})

	t.Run("DifferentProcess", func(t *testing.T) {
		a := NewTopologyVersion(processA, 100)
		b := NewTopologyVersion(processB, 1)

		assert.False(t, a.IsFresherThan(b))
		assert.False(t, b.IsFresherThan(a))
		assert.True(t, a.IsStalerThan(b))
		assert.True(t, b.IsStalerThan(a))
	})

	t.Run("Absent", func(t *testing.T) {
		var absent *TopologyVersion
		present := NewTopologyVersion(processA, 1)

		assert.False(t, absent.IsFresherThan(present))
		assert.False(t, present.IsFresherThan(absent))
		assert.False(t, absent.IsFresherThanOrEqualTo(present))
	})
}

func TestTopologyVersionEqual(t *testing.T) {
	process := bson.NewObjectID()

	var nilVersion *TopologyVersion
	assert.True(t, nilVersion.Equal(nil))
	assert.False(t, nilVersion.Equal(NewTopologyVersion(process, 1)))
	assert.True(t, NewTopologyVersion(process, 1).Equal(NewTopologyVersion(process, 1)))
	assert.False(t, NewTopologyVersion(process, 1).Equal(NewTopologyVersion(process, 2)))
}
