package script

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stokehq/stoke/pkg/models"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ErrorTypeNetwork, Classify(Failf(models.ErrorTypeNetwork, "timeout")))
	assert.Equal(t, models.ErrorTypeAuth, Classify(Failf(models.ErrorTypeAuth, "expired token")))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("handler blew up: %w", Failf(models.ErrorTypePermission, "forbidden"))
	assert.Equal(t, models.ErrorTypePermission, Classify(wrapped))

	// Unclassified errors default to logic.
	assert.Equal(t, models.ErrorTypeLogic, Classify(errors.New("nil map write")))
}

func TestIndeterminate(t *testing.T) {
	cause := errors.New("connection reset mid-request")
	err := Indeterminate(cause)

	assert.True(t, IsIndeterminate(err))
	assert.True(t, IsIndeterminate(fmt.Errorf("mutate: %w", err)))
	assert.ErrorIs(t, err, cause)

	assert.False(t, IsIndeterminate(cause))
	assert.False(t, IsIndeterminate(Failf(models.ErrorTypeNetwork, "refused")))
}

func TestFailfMessage(t *testing.T) {
	err := Failf(models.ErrorTypeNetwork, "status %d", 502)
	assert.Equal(t, "network: status 502", err.Error())
}
