package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil))
	assert.NotEqual(t, Sum([]byte("a")), Sum([]byte("b")))
}

func TestSumJSON_IgnoresWhitespace(t *testing.T) {
	a := []byte(`[{"type":"p","children":[{"text":"hi"}]}]`)
	b := []byte("[ {\"type\": \"p\",\n  \"children\": [ {\"text\": \"hi\"} ] } ]")
	assert.Equal(t, SumJSON(a), SumJSON(b))
	assert.Equal(t, Sum(a), SumJSON(a))
}

func TestSumJSON_InvalidFallsBackToRaw(t *testing.T) {
	raw := []byte("{not json")
	assert.Equal(t, Sum(raw), SumJSON(raw))
}
