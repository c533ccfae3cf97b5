package testutil

import (
	"os"
	"testing"
)

// SkipIfShort skips the test when running in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// RequireMongo skips the test unless a MongoDB URL is provided through the
// given environment variable, returning the URL otherwise.
func RequireMongo(t *testing.T, envVar string) string {
	t.Helper()
	SkipIfShort(t)
	url := os.Getenv(envVar)
	if url == "" {
		t.Skipf("skipping integration test (set %s to run)", envVar)
	}
	return url
}
