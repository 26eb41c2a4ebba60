package log

import (
	"testing"

	"go.uber.org/goleak"
)

// The file hook runs a writer goroutine per hook; every test must stop it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
