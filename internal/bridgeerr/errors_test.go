package bridgeerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCode_MapsEachSentinelToItsSpecCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{fmt.Errorf("wrap: %w", ErrBadRequest), 400},
		{fmt.Errorf("wrap: %w", ErrUnsupportedCommand), 400},
		{ErrAuthFailed, 401},
		{ErrNotFound, 404},
		{fmt.Errorf("wrap: %w", ErrInvalidParams), 422},
		{NewServiceCallFailed("boom"), 500},
		{ErrTimeout, 503},
		{ErrUnavailable, 503},
		{ErrCancelled, 503},
		{fmt.Errorf("something unmapped"), 500},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, StatusCode(c.err), "%v", c.err)
	}
}
