package cmdtest

import (
	"testing"
)

func TestMain(m *testing.M) {
	Main(m)
}

func TestStarcov(t *testing.T) {
	Run(t, "testdata/starcov")
}
