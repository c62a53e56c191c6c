package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashToken(t *testing.T) {
	h := HashToken("aw_sk_example")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("aw_sk_example"))
	assert.NotEqual(t, h, HashToken("aw_sk_other"))
}
