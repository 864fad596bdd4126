package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToFloat64(t *testing.T) {
	assert.InDelta(t, 101.25, ToFloat64("101.25"), 1e-9)
	assert.InDelta(t, 3, ToFloat64(json.Number("3")), 1e-9)
	assert.InDelta(t, 7, ToFloat64(7), 1e-9)
	assert.Zero(t, ToFloat64("abc"))
	assert.Equal(t, 37, ToInt("37"))

	_, err := ToFloat64E("")
	assert.Error(t, err)
	_, err = ToFloat64E(struct{}{})
	assert.Error(t, err)
}
