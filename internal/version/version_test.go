// ABOUTME: Tests for version constants
// ABOUTME: Ensures version information is properly defined
package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionDefined(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.Less(t, len(Version), 100, "Version string is unreasonably long")
}

func TestProductDefined(t *testing.T) {
	assert.NotEmpty(t, Product)
	assert.NotEmpty(t, Manufacturer)
}

func TestVersionNotPlaceholder(t *testing.T) {
	for _, placeholder := range []string{"TODO", "FIXME", "XXX", "placeholder"} {
		assert.NotEqual(t, placeholder, Version)
		assert.NotEqual(t, placeholder, Product)
		assert.NotEqual(t, placeholder, Manufacturer)
	}
}

func TestString(t *testing.T) {
	s := String()
	assert.True(t, strings.HasPrefix(s, Product+" "))
	assert.True(t, strings.HasSuffix(s, Version))
}
