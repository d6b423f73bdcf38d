package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBanner(t *testing.T) {
	defer func(v, sha, bt string) { Version, GitSHA, BuildTime = v, sha, bt }(Version, GitSHA, BuildTime)

	assert.Equal(t, "vendpi/dev", UserAgent())
	assert.Equal(t, "vendpi dev (unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "1.2.0", "abc1234", "2024-03-01T12:00:00Z"
	assert.Equal(t, "vendpi/1.2.0", UserAgent())
	assert.Equal(t, "vendpi 1.2.0 (abc1234, built 2024-03-01T12:00:00Z)", String())
}
